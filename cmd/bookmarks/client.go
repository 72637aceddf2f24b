package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/MarcoPoloResearchLab/bookmarks/internal/apiclient"
	"github.com/MarcoPoloResearchLab/bookmarks/internal/bookmarks"
	"github.com/MarcoPoloResearchLab/bookmarks/internal/config"
	"github.com/MarcoPoloResearchLab/bookmarks/internal/importer"
	"github.com/MarcoPoloResearchLab/bookmarks/internal/logging"
	"github.com/MarcoPoloResearchLab/bookmarks/internal/reconcile"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// clientRuntime bundles what every client command needs to reach its session.
type clientRuntime struct {
	logger     *zap.Logger
	manager    *reconcile.Manager
	reconnects chan struct{}
}

func newClientRuntime(view reconcile.View) (*clientRuntime, error) {
	clientConfig, err := config.LoadClient(viper.GetViper())
	if err != nil {
		return nil, err
	}
	logger, err := logging.NewConsoleLogger(clientConfig.LogLevel)
	if err != nil {
		return nil, err
	}
	return buildClientRuntime(clientConfig, logger, view, 0)
}

// buildClientRuntime wires the api client, feed subscriber and session manager. A
// zero initialBackoff keeps the subscriber default.
func buildClientRuntime(clientConfig config.ClientConfig, logger *zap.Logger, view reconcile.View, initialBackoff time.Duration) (*clientRuntime, error) {
	client, err := apiclient.New(apiclient.Config{
		BaseURL: clientConfig.APIURL,
		Token:   clientConfig.Token,
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}

	reconnects := make(chan struct{}, 1)
	subscriber, err := apiclient.NewFeedSubscriber(apiclient.FeedSubscriberConfig{
		Client:         client,
		InitialBackoff: initialBackoff,
		OnReconnect: func() {
			select {
			case reconnects <- struct{}{}:
			default:
			}
		},
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}

	manager, err := reconcile.NewManager(reconcile.ManagerConfig{
		Resolver: client,
		Gateway:  client,
		Loader:   client,
		Feed:     subscriber,
		View:     view,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}
	return &clientRuntime{logger: logger, manager: manager, reconnects: reconnects}, nil
}

func (r *clientRuntime) session(ctx context.Context) (*reconcile.Session, error) {
	session, err := r.manager.Sync(ctx)
	if errors.Is(err, reconcile.ErrNoIdentity) {
		return nil, fmt.Errorf("not signed in: the configured token was rejected")
	}
	return session, err
}

func (r *clientRuntime) close() {
	r.manager.Close()
	_ = r.logger.Sync()
}

func newWatchCommand() *cobra.Command {
	var (
		sortName string
		search   string
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print the bookmark list every time it changes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sortKey, err := reconcile.ParseSortKey(sortName)
			if err != nil {
				return err
			}
			app, err := newClientRuntime(reconcile.View{Sort: sortKey, Search: search})
			if err != nil {
				return err
			}
			defer app.close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return app.watch(ctx, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&sortName, "sort", string(reconcile.SortNewest), "Sort order (newest, oldest, title)")
	cmd.Flags().StringVar(&search, "search", "", "Only show bookmarks whose title or url contains this text")
	return cmd
}

// watch renders the session view on every change. A feed reconnect re-seeds the
// session because events sent while disconnected are not replayed.
func (r *clientRuntime) watch(ctx context.Context, out io.Writer) error {
	session, err := r.session(ctx)
	if err != nil {
		return err
	}
	renderView(out, session.View())
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-r.reconnects:
			r.manager.Close()
			session, err = r.session(ctx)
			if err != nil {
				return err
			}
			renderView(out, session.View())
		case _, ok := <-session.Changes():
			if !ok {
				return reconcile.ErrIdentityLost
			}
			renderView(out, session.View())
		}
	}
}

func renderView(out io.Writer, records []bookmarks.Record) {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(writer, "-- %d bookmarks --\n", len(records))
	for _, record := range records {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\n", record.ID, record.CreatedAt.Local().Format(time.DateTime), record.Title, record.URL)
	}
	_ = writer.Flush()
}

func newAddCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "add TITLE URL",
		Short: "Create a bookmark",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newClientRuntime(reconcile.View{})
			if err != nil {
				return err
			}
			defer app.close()
			session, err := app.session(cmd.Context())
			if err != nil {
				return err
			}
			record, err := session.Create(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), record.ID)
			return nil
		},
	}
}

func newEditCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "edit ID TITLE URL",
		Short: "Change the title and url of a bookmark",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newClientRuntime(reconcile.View{})
			if err != nil {
				return err
			}
			defer app.close()
			session, err := app.session(cmd.Context())
			if err != nil {
				return err
			}
			record, err := session.Update(cmd.Context(), args[0], args[1], args[2])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", record.ID, record.Title, record.URL)
			return nil
		},
	}
}

func newRemoveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "rm ID",
		Short: "Delete a bookmark",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newClientRuntime(reconcile.View{})
			if err != nil {
				return err
			}
			defer app.close()
			session, err := app.session(cmd.Context())
			if err != nil {
				return err
			}
			return session.Delete(cmd.Context(), args[0])
		},
	}
}

func newImportCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "import FILE",
		Short: "Create every bookmark listed in a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			file, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer file.Close()
			entries, err := importer.Parse(file)
			if err != nil {
				return err
			}

			app, err := newClientRuntime(reconcile.View{})
			if err != nil {
				return err
			}
			defer app.close()
			session, err := app.session(cmd.Context())
			if err != nil {
				return err
			}
			result, err := importer.Run(cmd.Context(), session, entries, app.logger)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d of %d bookmarks\n", len(result.Created), len(entries))
			for _, failure := range result.Failed {
				fmt.Fprintf(cmd.ErrOrStderr(), "entry %d (%s): %v\n", failure.Index+1, failure.Entry.URL, failure.Err)
			}
			return nil
		},
	}
}
