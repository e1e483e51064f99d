// Package hook implements the Request Hook Invoker (C9): an external
// command run after a successful ingestion, notifying whatever downstream
// indexer or audit system the deployment wires up. Invoke waits for the
// command to exit; a failure is logged and never changes the response.
package hook

import (
	"context"
	"log/slog"
	"os/exec"
)

// Invoke runs hookPath (optionally via sudo) with the arguments
// "path requestor api_user group_name", the same argument order the
// upstream service has always used. Failures are logged, never surfaced to
// the HTTP client — a hook is a notification, not part of the ingestion
// contract.
func Invoke(ctx context.Context, hookPath string, useSudo bool, path, requestor, apiUser, groupName string) {
	args := []string{hookPath, path, requestor, apiUser, groupName}
	name := args[0]
	rest := args[1:]
	if useSudo {
		name = "sudo"
		rest = args
	}

	cmd := exec.CommandContext(ctx, name, rest...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		slog.Warn("request hook failed", "hook", hookPath, "path", path, "requestor", requestor, "error", err, "output", string(out))
		return
	}
	slog.Debug("request hook ok", "hook", hookPath, "path", path, "requestor", requestor)
}
