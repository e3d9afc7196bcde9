package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"notesync/backend/internal/syncengine"
	"notesync/backend/internal/viewmodel"
)

const requestTimeout = 15 * time.Second

func newRootCmd(in io.Reader, out io.Writer) *cobra.Command {
	o := &options{in: in, out: out}
	root := &cobra.Command{
		Use:           "notesync-client",
		Short:         "Read and write notes from a terminal, synced with your other devices",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetIn(in)
	root.SetOut(out)

	host, _ := os.Hostname()
	f := root.PersistentFlags()
	f.StringVarP(&o.server, "server", "s", "http://localhost:8080", "notesync server URL")
	f.StringVar(&o.tokenFile, "token-file", defaultTokenFile(), "where the session token is kept ($"+tokenEnv+" overrides)")
	f.StringVar(&o.device, "device", host, "device label shown to your other devices")
	f.DurationVar(&o.autosave, "autosave", time.Second, "idle time before edits are saved")
	f.BoolVarP(&o.verbose, "verbose", "v", false, "log to stderr")

	root.AddCommand(
		newLoginCmd(o),
		newRegisterCmd(o),
		newLogoutCmd(o),
		newListCmd(o),
		newShowCmd(o),
		newWriteCmd(o),
		newDeleteCmd(o),
		newWatchCmd(o),
	)
	return root
}

func newLoginCmd(o *options) *cobra.Command {
	var email string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in and remember the session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			password, err := o.readPassword("Password: ")
			if err != nil {
				return err
			}
			c, err := o.anonymousClient()
			if err != nil {
				return err
			}
			s, err := c.Login(cmd.Context(), email, password)
			if err != nil {
				return fmt.Errorf("login: %w", err)
			}
			if err := o.saveToken(s.AccessToken); err != nil {
				return err
			}
			fmt.Fprintf(o.out, "Signed in as %s\n", s.User.Username)
			return nil
		},
	}
	cmd.Flags().StringVarP(&email, "email", "e", "", "account email")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func newRegisterCmd(o *options) *cobra.Command {
	var email, username string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create an account and sign in",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			password, err := o.readPassword("Choose a password: ")
			if err != nil {
				return err
			}
			c, err := o.anonymousClient()
			if err != nil {
				return err
			}
			s, err := c.Register(cmd.Context(), username, email, password)
			if err != nil {
				return fmt.Errorf("register: %w", err)
			}
			if err := o.saveToken(s.AccessToken); err != nil {
				return err
			}
			fmt.Fprintf(o.out, "Welcome, %s\n", s.User.Username)
			return nil
		},
	}
	cmd.Flags().StringVarP(&email, "email", "e", "", "account email")
	cmd.Flags().StringVarP(&username, "username", "u", "", "display name")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("username")
	return cmd
}

func newLogoutCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "End the session on the server and forget the token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := o.client()
			if err == nil {
				// the token is forgotten even if the server is unreachable
				if err := c.Logout(cmd.Context()); err != nil {
					fmt.Fprintf(o.out, "warning: %v\n", err)
				}
			}
			if err := o.removeToken(); err != nil {
				return err
			}
			fmt.Fprintln(o.out, "Signed out")
			return nil
		},
	}
}

// loadAll fetches the first page, then further pages while all is set.
func loadAll(ctx context.Context, s *session, all bool) (syncengine.Snapshot, error) {
	notLoading := func(sn syncengine.Snapshot) bool { return !sn.Loading }
	if err := s.engine.Load(ctx); err != nil {
		return syncengine.Snapshot{}, err
	}
	snap, err := s.waitFor(ctx, requestTimeout, notLoading)
	for err == nil && all && snap.HasMore && snap.Alert == "" {
		if err = s.engine.LoadMore(ctx); err != nil {
			break
		}
		snap, err = s.waitFor(ctx, requestTimeout, notLoading)
	}
	return snap, err
}

func newListCmd(o *options) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List notes, most recently edited first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := o.startSession(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer s.close()
			snap, err := loadAll(cmd.Context(), s, all)
			if err != nil {
				return err
			}
			renderList(o.out, viewmodel.Render(snap, time.Now()))
			if snap.Alert != "" {
				return errors.New(snap.Alert)
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&all, "all", "a", false, "fetch every page")
	return cmd
}

// openNote opens id and waits for its full content.
func openNote(ctx context.Context, s *session, id string) (syncengine.Snapshot, error) {
	if _, err := s.engine.Open(ctx, id); err != nil {
		return syncengine.Snapshot{}, err
	}
	snap, err := s.waitFor(ctx, requestTimeout, func(sn syncengine.Snapshot) bool {
		return sn.Phase == syncengine.Idle || sn.Alert != "" || !sn.Opening
	})
	if err != nil {
		return snap, err
	}
	if snap.Alert != "" {
		return snap, errors.New(snap.Alert)
	}
	return snap, nil
}

func newShowCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Print one note",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := o.startSession(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer s.close()
			snap, err := openNote(cmd.Context(), s, args[0])
			if err != nil {
				return err
			}
			renderEditor(o.out, viewmodel.Render(snap, time.Now()))
			return nil
		},
	}
}

func newWriteCmd(o *options) *cobra.Command {
	var title, content string
	cmd := &cobra.Command{
		Use:   "write [id]",
		Short: "Create a note, or replace the title and content of an existing one",
		Long: "Without an id a new note is created. Content comes from --content, or from\n" +
			"stdin when it is not a terminal. Other devices see the change immediately.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			body, haveBody := content, cmd.Flags().Changed("content")
			if !haveBody && !isTerminal(o.in) {
				b, err := io.ReadAll(o.in)
				if err != nil {
					return fmt.Errorf("read content: %w", err)
				}
				body, haveBody = string(b), true
			}

			s, err := o.startSession(ctx, true)
			if err != nil {
				return err
			}
			defer s.close()
			s.waitConnected(ctx, 2*time.Second)

			var snap syncengine.Snapshot
			if len(args) == 1 {
				if snap, err = openNote(ctx, s, args[0]); err != nil {
					return err
				}
			} else if _, err = s.engine.New(ctx); err != nil {
				return err
			}
			if !cmd.Flags().Changed("title") {
				title = snap.Title
			}
			if !haveBody {
				body = snap.Content
			}
			if err := s.engine.Edit(ctx, title, body); err != nil {
				return err
			}
			if err := s.engine.Save(ctx); err != nil {
				return err
			}
			snap, err = s.waitFor(ctx, requestTimeout, func(sn syncengine.Snapshot) bool {
				return sn.Alert != "" || (sn.Phase == syncengine.Clean && sn.NoteID != "")
			})
			if err != nil {
				return err
			}
			if snap.Alert != "" {
				return errors.New(snap.Alert)
			}
			fmt.Fprintf(o.out, "saved %s\n", snap.NoteID)
			return nil
		},
	}
	cmd.Flags().StringVarP(&title, "title", "t", "", "note title")
	cmd.Flags().StringVarP(&content, "content", "c", "", "note content")
	return cmd
}

func newDeleteCmd(o *options) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a note on every device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := o.startSession(ctx, true, syncengine.WithConfirmer(o.confirmer(yes)))
			if err != nil {
				return err
			}
			defer s.close()
			s.waitConnected(ctx, 2*time.Second)

			ok, err := s.engine.Delete(ctx, args[0])
			if err != nil {
				return err
			}
			if !ok {
				fmt.Fprintln(o.out, "cancelled")
				return nil
			}
			snap, err := s.waitFor(ctx, requestTimeout, func(sn syncengine.Snapshot) bool {
				return sn.Deleting == 0
			})
			if err != nil {
				return err
			}
			if snap.Alert != "" {
				return errors.New(snap.Alert)
			}
			fmt.Fprintf(o.out, "deleted %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "do not ask for confirmation")
	return cmd
}

func newWatchCmd(o *options) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Show the note list and keep it live until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			changed := make(chan struct{}, 1)
			s, err := o.startSession(ctx, true, syncengine.WithOnChange(func(syncengine.Snapshot) {
				select {
				case changed <- struct{}{}:
				default:
				}
			}))
			if err != nil {
				return err
			}
			defer s.close()
			if _, err := loadAll(ctx, s, all); err != nil {
				return err
			}

			var mu sync.Mutex
			wipe := isTerminal(o.out)
			draw := func(v viewmodel.View) {
				mu.Lock()
				defer mu.Unlock()
				if wipe {
					fmt.Fprint(o.out, "\033[H\033[2J")
				}
				renderList(o.out, v)
			}
			snap, err := s.engine.Snapshot(ctx)
			if err != nil {
				return err
			}
			draw(viewmodel.Render(snap, time.Now()))
			go func() {
				for {
					select {
					case <-ctx.Done():
						return
					case <-changed:
						if snap, err := s.engine.Snapshot(ctx); err == nil {
							draw(viewmodel.Render(snap, time.Now()))
						}
					}
				}
			}()
			return viewmodel.Refresh(ctx, viewmodel.RefreshInterval, s.engine.Snapshot, draw)
		},
	}
	cmd.Flags().BoolVarP(&all, "all", "a", false, "fetch every page first")
	return cmd
}

func isTerminal(v any) bool {
	f, ok := v.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
