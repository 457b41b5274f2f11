package cli

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"cibot.dev/cibot/internal/cli/helpers"
	"cibot.dev/cibot/internal/engine"
	"cibot.dev/cibot/internal/runtime"
)

const hookTimeout = 30 * time.Second

// newHookCmd creates the hook command
func newHookCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hook",
		Short: "Git server hooks",
	}
	cmd.AddCommand(newPostReceiveCmd())
	return cmd
}

// newPostReceiveCmd creates the hook post-receive command
func newPostReceiveCmd() *cobra.Command {
	var (
		repoID    string
		serverURL string
	)

	cmd := &cobra.Command{
		Use:   "post-receive",
		Short: "Plan and trigger builds for a push read from a post-receive hook",
		Long: `Read "<old> <new> <ref>" lines from stdin, as git passes them to a
post-receive hook, and treat them as one push.

With --url the push is posted to a running cibot server. Otherwise it is
routed in this process, which needs exclusive access to the database.

Example hooks/post-receive:
  #!/bin/sh
  exec cibot hook post-receive --repo app --url http://localhost:8080`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			changes, err := ParseRefUpdates(cmd.InOrStdin())
			if err != nil {
				return err
			}
			if len(changes) == 0 {
				return nil
			}
			ev := engine.PushEvent{RepoID: repoID, Changes: changes}

			if serverURL != "" {
				return postPush(cmd.Context(), serverURL, ev, cmd.OutOrStdout())
			}
			return helpers.Run(cmd, func(rc *runtime.Context) error {
				plan, err := rc.Router.Handle(cmd.Context(), ev)
				if err != nil {
					return err
				}
				printPlan(cmd.OutOrStdout(), plan)
				return nil
			})
		},
	}

	addRepoFlag(cmd, &repoID)
	cmd.Flags().StringVar(&serverURL, "url", "", "Base URL of a running cibot server")

	return cmd
}

// ParseRefUpdates reads post-receive input. An all-zero old hash is an ADD
// and an all-zero new hash is a DELETE. Blank lines are ignored.
func ParseRefUpdates(r io.Reader) ([]engine.RefChange, error) {
	var changes []engine.RefChange
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) != 3 {
			return nil, fmt.Errorf("malformed ref update on line %d: want \"<old> <new> <ref>\"", line)
		}
		change := engine.RefChange{
			RefID:    fields[2],
			FromHash: engine.CommitID(strings.ToLower(fields[0])),
			ToHash:   engine.CommitID(strings.ToLower(fields[1])),
		}
		switch {
		case change.FromHash.IsZero():
			change.Type = engine.RefAdd
		case change.ToHash.IsZero():
			change.Type = engine.RefDelete
		default:
			change.Type = engine.RefUpdate
		}
		changes = append(changes, change)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read ref updates: %w", err)
	}
	return changes, nil
}

type pushPayload struct {
	RepoID  string          `json:"repoId"`
	Changes []changePayload `json:"changes"`
}

type changePayload struct {
	RefID    string `json:"refId"`
	Type     string `json:"type"`
	FromHash string `json:"fromHash"`
	ToHash   string `json:"toHash"`
}

// postPush sends ev to the server's push endpoint and copies its reply to out
func postPush(ctx context.Context, baseURL string, ev engine.PushEvent, out io.Writer) error {
	payload := pushPayload{RepoID: ev.RepoID}
	for _, c := range ev.Changes {
		payload.Changes = append(payload.Changes, changePayload{
			RefID:    c.RefID,
			Type:     string(c.Type),
			FromHash: string(c.FromHash),
			ToHash:   string(c.ToHash),
		})
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, hookTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(baseURL, "/")+"/events/push", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post push to %s: %w", baseURL, err)
	}
	defer resp.Body.Close()

	reply, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("cibot server returned %s: %s", resp.Status, strings.TrimSpace(string(reply)))
	}
	_, err = fmt.Fprintln(out, strings.TrimSpace(string(reply)))
	return err
}

func printPlan(out io.Writer, plan engine.Plan) {
	if plan.Dropped {
		fmt.Fprintf(out, "%s %s: dropped (%s)\n", plan.Event, plan.EventID, plan.Reason)
		return
	}
	fmt.Fprintf(out, "%s %s: %d builds, %d metadata updates\n", plan.Event, plan.EventID, len(plan.Builds), len(plan.Updates))
	for _, b := range plan.Builds {
		fmt.Fprintf(out, "  %s %s\n", b.Kind, b.Commit)
	}
}
