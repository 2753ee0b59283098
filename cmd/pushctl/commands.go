package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"pushattest/internal/domain"
	"pushattest/internal/observability/logging"
	"pushattest/pkg/pushclient"
)

func runRegister(args []string) error {
	fs := flag.NewFlagSet("register", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	token := fs.String("token", "", "push device token (defaults to DEVICE_TOKEN)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	return perform(func(s *session) domain.Operation {
		return domain.Register{DeviceToken: s.deviceToken(*token)}
	})
}

func runUnregister(args []string) error {
	fs := flag.NewFlagSet("unregister", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	token := fs.String("token", "", "push device token (defaults to DEVICE_TOKEN)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	return perform(func(s *session) domain.Operation {
		return domain.Unregister{DeviceToken: s.deviceToken(*token), AccountID: s.client.AccountID()}
	})
}

func runPrefs(args []string) error {
	fs := flag.NewFlagSet("prefs", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	set := fs.String("set", "", "comma separated name=bool pairs")
	if err := fs.Parse(args); err != nil {
		return err
	}
	prefs, err := parsePrefs(*set)
	if err != nil {
		return err
	}
	return perform(constant(domain.UpdatePreferences{Preferences: prefs}))
}

func runSyncRelationships(args []string) error {
	fs := flag.NewFlagSet("sync-relationships", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	muted := fs.String("muted", "", "comma separated muted account ids")
	blocked := fs.String("blocked", "", "comma separated blocked account ids")
	if err := fs.Parse(args); err != nil {
		return err
	}
	return perform(constant(domain.SyncRelationships{Muted: splitList(*muted), Blocked: splitList(*blocked)}))
}

func runSubscribe(args []string) error {
	fs := flag.NewFlagSet("subscribe", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	subject := fs.String("subject", "", "subject id")
	posts := fs.Bool("posts", true, "notify on posts")
	replies := fs.Bool("replies", false, "notify on replies")
	if err := fs.Parse(args); err != nil {
		return err
	}
	return perform(constant(domain.UpsertSubscription{
		SubjectID: strings.TrimSpace(*subject),
		Flags:     domain.SubscriptionFlags{Posts: *posts, Replies: *replies},
	}))
}

func runSyncSubscriptions(args []string) error {
	fs := flag.NewFlagSet("sync-subscriptions", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	subjects := fs.String("subjects", "", "comma separated subject ids")
	posts := fs.Bool("posts", true, "notify on posts")
	replies := fs.Bool("replies", false, "notify on replies")
	if err := fs.Parse(args); err != nil {
		return err
	}
	subs := make([]domain.Subscription, 0)
	for _, id := range splitList(*subjects) {
		subs = append(subs, domain.Subscription{
			SubjectID: id,
			Flags:     domain.SubscriptionFlags{Posts: *posts, Replies: *replies},
		})
	}
	return perform(constant(domain.SyncSubscriptions{Subscriptions: subs}))
}

func runUnsubscribe(args []string) error {
	fs := flag.NewFlagSet("unsubscribe", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	subject := fs.String("subject", "", "subject id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	return perform(constant(domain.RemoveSubscription{SubjectID: strings.TrimSpace(*subject)}))
}

func runStatus(args []string) error {
	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.close()
	ctx, cancel := s.context()
	defer cancel()

	st, err := s.client.KeyState(ctx)
	if err != nil {
		return err
	}
	out := struct {
		AccountID          string     `json:"account_id"`
		KeyID              string     `json:"key_id,omitempty"`
		Registered         bool       `json:"registered"`
		HasChallenge       bool       `json:"has_challenge"`
		ChallengeExpiresAt *time.Time `json:"challenge_expires_at,omitempty"`
		EnclaveKeys        int        `json:"enclave_keys"`
	}{AccountID: s.client.AccountID(), EnclaveKeys: s.enclave.Keys()}
	if st != nil {
		out.KeyID = logging.KeyRef(st.KeyID)
		out.Registered = st.Registered
		if st.LatestChallenge != nil {
			out.HasChallenge = true
			out.ChallengeExpiresAt = st.LatestChallenge.ExpiresAt
		}
	}
	return printJSON(out)
}

func runResetKey(args []string) error {
	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.close()
	ctx, cancel := s.context()
	defer cancel()
	if err := s.client.ResetKey(ctx); err != nil {
		return err
	}
	fmt.Println("device key state cleared")
	return nil
}

func constant(op domain.Operation) func(*session) domain.Operation {
	return func(*session) domain.Operation { return op }
}

func perform(build func(*session) domain.Operation) error {
	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.close()
	op := build(s)
	if err := domain.ValidateOperation(op); err != nil {
		return err
	}
	ctx, cancel := s.context()
	defer cancel()

	res, err := s.client.PerformProtectedOperation(ctx, op)
	if cerr := s.persist(); cerr != nil {
		s.log.Warn("persist enclave failed", "error", cerr)
	}
	if err != nil {
		return err
	}
	out := struct {
		Kind     domain.OperationKind `json:"kind"`
		Outcome  pushclient.Outcome   `json:"outcome"`
		Status   int                  `json:"status"`
		Attempts int                  `json:"attempts"`
	}{op.Kind(), res.Outcome, res.Status, res.Attempts}
	if err := printJSON(out); err != nil {
		return err
	}
	if res.Outcome != pushclient.OutcomeSucceeded {
		return fmt.Errorf("%s %s", op.Kind(), res.Outcome)
	}
	return nil
}

func parsePrefs(raw string) (map[string]bool, error) {
	prefs := make(map[string]bool)
	for _, pair := range splitList(raw) {
		name, value, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("invalid preference %q (want name=bool)", pair)
		}
		b, err := strconv.ParseBool(strings.TrimSpace(value))
		if err != nil {
			return nil, fmt.Errorf("invalid preference %q: %w", pair, err)
		}
		prefs[strings.TrimSpace(name)] = b
	}
	if len(prefs) == 0 {
		return nil, fmt.Errorf("no preferences given (-set name=bool,...)")
	}
	return prefs, nil
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if s := strings.TrimSpace(item); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
