package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/panyam/centralauth"
	"github.com/panyam/centralauth/dashboard"
)

func newTokenCmd(a *app) *cobra.Command {
	var show bool
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Print the status of the current token, obtaining one if needed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, _, closeStore, err := a.session(cmd.Context())
			if err != nil {
				return err
			}
			defer closeStore()

			tok, err := s.manager.GetValidToken(cmd.Context(), false)
			if err != nil {
				return err
			}
			if show {
				fmt.Fprintln(cmd.OutOrStdout(), tok.AccessToken)
				return nil
			}
			return printJSON(cmd, s.manager.Status())
		},
	}
	cmd.Flags().BoolVar(&show, "show", false, "print the access token itself instead of its status")
	return cmd
}

func newRefreshCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Force a new token from the provider, subject to the cooldown",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, _, closeStore, err := a.session(cmd.Context())
			if err != nil {
				return err
			}
			defer closeStore()

			if _, err := s.manager.GetValidToken(cmd.Context(), true); err != nil {
				return err
			}
			return printJSON(cmd, s.manager.Status())
		},
	}
}

func newGetCmd(a *app) *cobra.Command {
	var params []string
	cmd := &cobra.Command{
		Use:     "get <path>",
		Short:   "GET an API path with a managed token and print the response",
		Example: "  centralctl get /monitoring/v1/devices -q limit=10",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := url.Values{}
			for _, p := range params {
				k, v, ok := strings.Cut(p, "=")
				if !ok || k == "" {
					return fmt.Errorf("invalid query parameter %q, want key=value", p)
				}
				query.Add(k, v)
			}

			s, _, closeStore, err := a.session(cmd.Context())
			if err != nil {
				return err
			}
			defer closeStore()

			resp, err := s.client.Call(cmd.Context(), http.MethodGet, args[0], query, nil)
			if err != nil {
				return err
			}
			if resp.Absent {
				fmt.Fprintln(cmd.ErrOrStderr(), "Not available for this account:", strings.TrimSpace(string(resp.Body)))
				return nil
			}
			var out bytes.Buffer
			if err := json.Indent(&out, resp.Body, "", "  "); err != nil {
				out.Reset()
				out.Write(resp.Body)
			}
			if out.Len() > 0 {
				out.WriteByte('\n')
			}
			_, err = cmd.OutOrStdout().Write(out.Bytes())
			return err
		},
	}
	cmd.Flags().StringArrayVarP(&params, "query", "q", nil, "query parameter as key=value, repeatable")
	return cmd
}

func newServeCmd(a *app) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the dashboard backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.cfg.Static() {
				return errors.New("serve needs client credentials; a static access token cannot back login sessions")
			}
			if addr == "" {
				addr = a.cfg.Server.Addr
			}
			ctx := cmd.Context()

			store, closeStore, err := openStore(ctx, a.cfg, a.logger)
			if err != nil {
				return err
			}
			defer closeStore()
			b, err := newBuilder(a.cfg, store, a.logger)
			if err != nil {
				return err
			}

			registry := centralauth.NewSessionRegistry(a.cfg.SessionConfig(), b.factory,
				centralauth.WithRegistryLogger(a.logger),
				centralauth.WithRegistryMetrics(b.metrics),
			)
			registry.Start()
			defer registry.Stop()

			// Secrets must come with the login request, never from the server's config
			defaults := a.cfg.Credentials()
			defaults.ClientSecret = ""
			defaults.Password = ""

			d := (&dashboard.Dashboard{
				Registry:     registry,
				Defaults:     defaults,
				CookieSecure: a.cfg.Server.CookieSecure,
				Logger:       a.logger,
			}).EnsureDefaults()

			srv := &http.Server{
				Addr:              addr,
				Handler:           d.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}
			errCh := make(chan error, 1)
			go func() {
				a.logger.Info("Dashboard listening", "addr", addr)
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			case <-ctx.Done():
			}

			a.logger.Info("Shutting down dashboard")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	return cmd
}

func newClearCacheCmd(a *app) *cobra.Command {
	var expiredOnly bool
	cmd := &cobra.Command{
		Use:   "clear-cache",
		Short: "Delete persisted token records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeStore, err := openStore(cmd.Context(), a.cfg, a.logger)
			if err != nil {
				return err
			}
			defer closeStore()

			var n int
			if expiredOnly {
				p, ok := store.(purger)
				if !ok {
					return fmt.Errorf("token store %q does not support --expired-only", a.cfg.Token.Store)
				}
				n, err = p.PurgeExpired(cmd.Context(), time.Now())
			} else {
				n, err = store.Clear(cmd.Context())
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d token record(s)\n", n)
			return nil
		},
	}
	cmd.Flags().BoolVar(&expiredOnly, "expired-only", false, "only remove records whose token has expired (database stores)")
	return cmd
}
