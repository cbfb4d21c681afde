package authgate_test

import (
	"os"
	"strings"
	"testing"
)

func readFile(t *testing.T, name string) string {
	t.Helper()
	data, err := os.ReadFile(name)
	if err != nil {
		t.Fatalf("failed to read %s: %v", name, err)
	}
	return string(data)
}

func TestDockerfileMultiStageBuild(t *testing.T) {
	content := readFile(t, "Dockerfile")

	// マルチステージビルドの確認: ビルドステージと実行ステージが存在すること
	if !strings.Contains(content, "FROM golang:") {
		t.Error("Dockerfile should contain a Go builder stage (FROM golang:)")
	}

	// 最終ステージは軽量イメージであること
	var lastFrom string
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "FROM ") {
			lastFrom = trimmed
		}
	}
	if !strings.Contains(lastFrom, "gcr.io/distroless") && !strings.Contains(lastFrom, "alpine") && !strings.Contains(lastFrom, "scratch") {
		t.Errorf("final stage should use a minimal base image (distroless/alpine/scratch), got: %s", lastFrom)
	}
}

func TestDockerfileBuildsAuthgate(t *testing.T) {
	content := readFile(t, "Dockerfile")

	for _, want := range []string{"./cmd/authgate", "ENTRYPOINT", "healthcheck"} {
		if !strings.Contains(content, want) {
			t.Errorf("Dockerfile should contain %q", want)
		}
	}
}

func TestDockerComposeServices(t *testing.T) {
	content := readFile(t, "docker-compose.yml")

	// api, migrate, db の3コンテナ構成
	for _, svc := range []string{"api:", "migrate:", "db:", "postgres:"} {
		if !strings.Contains(content, svc) {
			t.Errorf("docker-compose.yml should contain %q", svc)
		}
	}
}

func TestDockerComposeNetworks(t *testing.T) {
	content := readFile(t, "docker-compose.yml")

	// dbは内部ネットワークのみに接続すること
	if !strings.Contains(content, "internal: true") {
		t.Error("docker-compose.yml should define an internal network (internal: true) for the database")
	}
	if !strings.Contains(content, "external") {
		t.Error("docker-compose.yml should define an external network for OAuth egress")
	}
}

func TestEnvExampleListsRequiredVars(t *testing.T) {
	content := readFile(t, ".env.example")

	for _, key := range []string{"GOOGLE_CLIENT_ID", "GOOGLE_CLIENT_SECRET", "GOOGLE_REDIRECT_URL", "SESSION_SECRET"} {
		if !strings.Contains(content, key+"=") {
			t.Errorf(".env.example should list %s", key)
		}
	}
}
