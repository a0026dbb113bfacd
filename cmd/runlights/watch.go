package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/coder/websocket"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newWatchCommand(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Print requests answered by the running service as they happen",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s := loadSettings(v)
			if s.httpDisabled() {
				return errors.New("watch needs the debug listener; set --http-listen")
			}
			cmd.SilenceUsage = true
			return watchFeed(cmd.Context(), feedURL(s.HTTPListen), cmd.OutOrStdout())
		},
	}
}

func feedURL(listen string) string {
	host := strings.TrimSpace(listen)
	if strings.HasPrefix(host, ":") {
		host = "localhost" + host
	}
	u := url.URL{Scheme: "ws", Host: host, Path: "/ws"}
	return u.String()
}

// watchFeed copies feed messages to w, one per line, until ctx is cancelled
// or the service goes away.
func watchFeed(ctx context.Context, u string, w io.Writer) error {
	conn, _, err := websocket.Dial(ctx, u, nil)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", u, err)
	}
	defer conn.CloseNow()
	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil || websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				conn.Close(websocket.StatusNormalClosure, "")
				return nil
			}
			return fmt.Errorf("read feed: %w", err)
		}
		if _, err := fmt.Fprintf(w, "%s\n", msg); err != nil {
			return err
		}
	}
}
