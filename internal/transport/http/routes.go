package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"pushattest/internal/domain"
	"pushattest/internal/engine"
)

// Route paths of the push backend.
const (
	PathChallenge     = "/challenge"
	PathRegister      = "/register"
	PathUnregister    = "/unregister"
	PathPreferences   = "/preferences"
	PathRelationships = "/relationships"
	PathSubscriptions = "/subscriptions"
)

// Prepare maps an operation to its method, path and JSON body.
func (c *Client) Prepare(op domain.Operation) (engine.OutboundRequest, error) {
	return PrepareOperation(op)
}

func PrepareOperation(op domain.Operation) (engine.OutboundRequest, error) {
	var (
		method string
		path   string
		body   any
	)
	switch o := op.(type) {
	case domain.Register:
		method, path, body = http.MethodPost, PathRegister, o
	case domain.Unregister:
		method, path, body = http.MethodPost, PathUnregister, o
	case domain.UpdatePreferences:
		method, path, body = http.MethodPut, PathPreferences, o
	case domain.SyncRelationships:
		method, path, body = http.MethodPut, PathRelationships, o
	case domain.SyncSubscriptions:
		method, path, body = http.MethodPut, PathSubscriptions, o
	case domain.UpsertSubscription:
		method, path, body = http.MethodPost, PathSubscriptions, o
	case domain.RemoveSubscription:
		return engine.OutboundRequest{
			Method: http.MethodDelete,
			Path:   PathSubscriptions + "/" + url.PathEscape(o.SubjectID),
		}, nil
	default:
		return engine.OutboundRequest{}, fmt.Errorf("%w: unknown operation %T", domain.ErrInvalidOperation, op)
	}

	data, err := json.Marshal(body)
	if err != nil {
		return engine.OutboundRequest{}, fmt.Errorf("encode %s: %w", op.Kind(), err)
	}
	return engine.OutboundRequest{Method: method, Path: path, Body: data}, nil
}
