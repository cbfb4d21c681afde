package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/hitoshi/authgate/internal/app"
)

// NewRootCmd はauthgate CLIのルートコマンドを生成する。
// サブコマンド未指定の場合はserveとして動作する。
func NewRootCmd() *cobra.Command {
	serve := NewServeCmd()

	cmd := &cobra.Command{
		Use:           "authgate",
		Short:         "authgate - email/password and Google OAuth authentication server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          serve.RunE,
	}
	cmd.Flags().AddFlagSet(serve.Flags())

	cmd.AddCommand(serve)
	cmd.AddCommand(NewMigrateCmd())
	cmd.AddCommand(NewHealthcheckCmd())

	return cmd
}

// NewServeCmd はserveサブコマンドを生成する。
func NewServeCmd() *cobra.Command {
	var opts app.ServeOptions

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := app.Init(cmd.OutOrStdout())
			if err != nil {
				return err
			}
			return app.Serve(cmd.Context(), cfg, opts)
		},
	}
	cmd.Flags().BoolVar(&opts.AutoMigrate, "migrate", false, "apply pending migrations before serving")

	return cmd
}

// NewMigrateCmd はmigrateサブコマンドを生成する。
func NewMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := app.Init(cmd.OutOrStdout())
			if err != nil {
				return err
			}
			return app.Migrate(cfg)
		},
	}
}

// NewHealthcheckCmd はhealthcheckサブコマンドを生成する。
// distroless環境でのDockerヘルスチェック用のため、フル初期化を行わない。
func NewHealthcheckCmd() *cobra.Command {
	var port string

	cmd := &cobra.Command{
		Use:   "healthcheck",
		Short: "Probe the /health endpoint of a running server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.Healthcheck(cmd.Context(), "http://localhost:"+port)
		},
	}
	cmd.Flags().StringVar(&port, "port", defaultPort(), "server port")

	return cmd
}

func defaultPort() string {
	if port := os.Getenv("SERVER_PORT"); port != "" {
		return port
	}
	return "8080"
}
