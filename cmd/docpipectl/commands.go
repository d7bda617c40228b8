// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/claimdesk/docpipe/internal/backfill"
	"github.com/claimdesk/docpipe/internal/client"
	"github.com/claimdesk/docpipe/internal/models"
)

func submitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "submit <file>...",
		Short: "Submit an email or documents",
		Long: `Submit one .eml message, or one or more documents. Several documents
are grouped into a submission. Use "-" to read an email from stdin.

Examples:
  docpipectl submit claim.eml
  cat claim.eml | docpipectl submit -
  docpipectl submit estimate.pdf photo1.jpg photo2.jpg`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := requestContext(cmd)
			defer cancel()
			c := newClient()

			if len(args) == 1 && (args[0] == "-" || strings.EqualFold(filepath.Ext(args[0]), ".eml")) {
				raw, err := readArg(cmd, args[0])
				if err != nil {
					return err
				}
				receipt, err := c.SubmitEmail(ctx, raw)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), receipt)
			}

			files := make([]client.File, 0, len(args))
			for _, path := range args {
				if path == "-" || strings.EqualFold(filepath.Ext(path), ".eml") {
					return fmt.Errorf("%s: emails must be submitted on their own", path)
				}
				content, err := os.ReadFile(path)
				if err != nil {
					return fmt.Errorf("failed to read file %s: %w", path, err)
				}
				files = append(files, client.File{Name: filepath.Base(path), Content: content})
			}
			res, err := c.SubmitFiles(ctx, files)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
}

func importCmd() *cobra.Command {
	var (
		recursive bool
		since     time.Duration
		delay     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "import <dir>...",
		Short: "Import a directory of historical emails and documents",
		Long: `Upload every .eml message and supported document found in the given
directories. Files already seen by the server are reported as duplicates.

Examples:
  docpipectl import ./inbox-export
  docpipectl import --recursive --since 720h ./archive`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runner := backfill.NewRunner(backfill.RunnerConfig{
				Uploader: newClient(),
				Delay:    delay,
			})
			res, err := runner.Run(cmd.Context(), backfill.BackfillRequest{
				Dirs:      args,
				Recursive: recursive,
				Since:     since,
			})
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), res); err != nil {
				return err
			}
			if res.TotalErrors > 0 {
				return fmt.Errorf("%d files failed to import", res.TotalErrors)
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&recursive, "recursive", "r", false, "descend into subdirectories")
	cmd.Flags().DurationVar(&since, "since", 0, "only import files modified within this window (e.g. 168h)")
	cmd.Flags().DurationVar(&delay, "delay", 100*time.Millisecond, "pause between uploads")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <processing-id>",
		Short: "Show a record with its attachments and results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := requestContext(cmd)
			defer cancel()
			d, err := newClient().Record(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), d)
		},
	}
}

func historyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <processing-id>",
		Short: "Show the status transitions of a record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := requestContext(cmd)
			defer cancel()
			events, err := newClient().History(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), events)
		},
	}
}

func listCmd() *cobra.Command {
	var (
		status    string
		limit     int
		pageToken string
		all       bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List records, newest first",
		Long: `List records, newest first. Pages are consistent: records created or
changed after the first page do not shift later pages.

Examples:
  docpipectl list --status failed
  docpipectl list --limit 100 --all`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var st models.Status
			if status != "" {
				parsed, err := models.ParseStatus(status)
				if err != nil {
					return err
				}
				st = parsed
			}

			c := newClient()
			token := pageToken
			for {
				ctx, cancel := requestContext(cmd)
				page, err := c.List(ctx, st, limit, token)
				cancel()
				if err != nil {
					return err
				}
				if err := printJSON(cmd.OutOrStdout(), page); err != nil {
					return err
				}
				if !all || page.NextPageToken == "" {
					return nil
				}
				token = page.NextPageToken
			}
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status (pending, processing, completed, failed)")
	cmd.Flags().IntVar(&limit, "limit", 0, "page size (server default when zero)")
	cmd.Flags().StringVar(&pageToken, "page-token", "", "continue from a previous page")
	cmd.Flags().BoolVar(&all, "all", false, "follow page tokens to the end")
	return cmd
}

func retryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <processing-id>...",
		Short: "Resume failed records from their first incomplete stage",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return forEach(cmd, args, func(c *client.Client, cmd *cobra.Command, pid string) (any, error) {
				ctx, cancel := requestContext(cmd)
				defer cancel()
				return c.Retry(ctx, pid)
			})
		},
	}
}

func cancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <processing-id>...",
		Short: "Cancel pending or processing records",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return forEach(cmd, args, func(c *client.Client, cmd *cobra.Command, pid string) (any, error) {
				ctx, cancel := requestContext(cmd)
				defer cancel()
				return c.Cancel(ctx, pid)
			})
		},
	}
}

func submissionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submission",
		Short: "Create or inspect submissions",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "create <processing-id>...",
		Short: "Group existing records into a submission",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := requestContext(cmd)
			defer cancel()
			sub, err := newClient().CreateSubmission(ctx, args)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), sub)
		},
	}, &cobra.Command{
		Use:   "show <submission-id>",
		Short: "Show a submission and the status of its members",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := requestContext(cmd)
			defer cancel()
			view, err := newClient().Submission(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), view)
		},
	})
	return cmd
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show record counts by status and document type",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := requestContext(cmd)
			defer cancel()
			snap, err := newClient().Stats(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), snap)
		},
	}
}

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check docpipe server health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := requestContext(cmd)
			defer cancel()
			checks, err := newClient().Health(ctx)
			if perr := printJSON(cmd.OutOrStdout(), checks); perr != nil {
				return perr
			}
			return err
		},
	}
}

// forEach applies fn to every id, printing each result, and reports the
// number of failures at the end.
func forEach(cmd *cobra.Command, ids []string, fn func(*client.Client, *cobra.Command, string) (any, error)) error {
	c := newClient()
	failed := 0
	for _, pid := range ids {
		res, err := fn(c, cmd, pid)
		if err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", pid, err)
			failed++
			continue
		}
		if err := printJSON(cmd.OutOrStdout(), res); err != nil {
			return err
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d records failed", failed, len(ids))
	}
	return nil
}

func readArg(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return nil, fmt.Errorf("failed to read from stdin: %w", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file %s: %w", path, err)
	}
	return data, nil
}
