package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

func main() {
	if len(os.Args) < 2 {
		usage()
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "warning: .env: %v\n", err)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "register":
		err = runRegister(args)
	case "unregister":
		err = runUnregister(args)
	case "prefs":
		err = runPrefs(args)
	case "sync-relationships":
		err = runSyncRelationships(args)
	case "sync-subscriptions":
		err = runSyncSubscriptions(args)
	case "subscribe":
		err = runSubscribe(args)
	case "unsubscribe":
		err = runUnsubscribe(args)
	case "status":
		err = runStatus(args)
	case "reset-key":
		err = runResetKey(args)
	default:
		usage()
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s <command> [options]\n", os.Args[0])
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  register             Register this device for push notifications")
	fmt.Fprintln(os.Stderr, "  unregister           Remove the push registration")
	fmt.Fprintln(os.Stderr, "  prefs                Update notification preferences (-set likes=true,mentions=false)")
	fmt.Fprintln(os.Stderr, "  sync-relationships   Replace muted and blocked accounts")
	fmt.Fprintln(os.Stderr, "  sync-subscriptions   Replace all activity subscriptions")
	fmt.Fprintln(os.Stderr, "  subscribe            Subscribe to a subject's activity")
	fmt.Fprintln(os.Stderr, "  unsubscribe          Remove an activity subscription")
	fmt.Fprintln(os.Stderr, "  status               Show the stored device key state")
	fmt.Fprintln(os.Stderr, "  reset-key            Discard the device key; the next call rotates")
	os.Exit(2)
}
