package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"localci/internal/cluster"
)

func TestEnvOrDefault(t *testing.T) {
	const key = "LOCALCI_TEST_ENV"
	const fallback = "fallback"

	if got := envOrDefault(key, fallback); got != fallback {
		t.Fatalf("expected fallback when env unset, got %q", got)
	}

	t.Setenv(key, "value")
	if got := envOrDefault(key, fallback); got != "value" {
		t.Fatalf("expected env value, got %q", got)
	}
}

func TestParseBrokerList(t *testing.T) {
	input := " broker1:9092 , ,broker2:9093 ,"
	brokers := parseBrokerList(input)
	want := []string{"broker1:9092", "broker2:9093"}
	if len(brokers) != len(want) {
		t.Fatalf("expected %d brokers, got %d", len(want), len(brokers))
	}
	for i := range want {
		if brokers[i] != want[i] {
			t.Fatalf("unexpected broker at index %d: got %q want %q", i, brokers[i], want[i])
		}
	}
}

func TestParseMaxParallel(t *testing.T) {
	cases := []struct {
		input string
		want  int
	}{
		{"", 1},
		{"not-a-number", 1},
		{"0", 1},
		{"-5", 1},
		{"3", 3},
	}

	for _, tc := range cases {
		if got := parseMaxParallel(tc.input); got != tc.want {
			t.Fatalf("parseMaxParallel(%q) = %d, want %d", tc.input, got, tc.want)
		}
	}
}

func TestParseDurationAndBytes(t *testing.T) {
	if got := parseDuration("90s", time.Minute); got != 90*time.Second {
		t.Fatalf("expected 90s, got %s", got)
	}
	if got := parseDuration("soon", time.Minute); got != time.Minute {
		t.Fatalf("expected fallback for invalid duration, got %s", got)
	}
	if got := parseBytes("-1"); got != 0 {
		t.Fatalf("expected 0 for negative bytes, got %d", got)
	}
	if got := parseBytes("1048576"); got != 1<<20 {
		t.Fatalf("expected 1MiB, got %d", got)
	}
}

func TestLoadAppConfigFlagsOverrideEnv(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localci@db/localci")
	t.Setenv("LOCALCI_NODE_ID", "node-a")
	t.Setenv("KAFKA_BROKERS", "env-broker:9092")
	t.Setenv("BUILD_TIMEOUT", "5m")
	t.Setenv("GRADLE_IMAGE", "gradle:custom")

	cfg, err := loadAppConfig([]string{"--kafka-brokers", "a:1,b:2", "--max-parallel", "4", "--build-timeout", "20m"})
	if err != nil {
		t.Fatalf("loadAppConfig: %v", err)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[0] != "a:1" {
		t.Fatalf("expected flag brokers, got %v", cfg.KafkaBrokers)
	}
	if cfg.MaxParallel != 4 {
		t.Fatalf("expected max parallel 4, got %d", cfg.MaxParallel)
	}
	if cfg.Docker.BuildTimeout != 20*time.Minute {
		t.Fatalf("expected build timeout 20m, got %s", cfg.Docker.BuildTimeout)
	}
	if cfg.Docker.Toolchains["gradle"].Image != "gradle:custom" {
		t.Fatalf("expected gradle image from env, got %q", cfg.Docker.Toolchains["gradle"].Image)
	}
	if cfg.NodeID != "node-a" || cfg.PushTopic != defaultPushTopic {
		t.Fatalf("unexpected config %+v", cfg)
	}
}

func TestLoadAppConfigRequiresDatabase(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	if _, err := loadAppConfig(nil); err == nil {
		t.Fatalf("expected error without DATABASE_URL")
	}
}

func TestLoadMembershipWithoutFileUsesLocal(t *testing.T) {
	local := cluster.NewLocalMember("node-a", []string{"gradle"}, 1, cluster.NewRegistry())

	membership, err := loadMembership("", nil, local)
	if err != nil {
		t.Fatalf("loadMembership: %v", err)
	}
	members := membership.MembersWithCapability("gradle")
	if len(members) != 1 || members[0].ID() != "node-a" {
		t.Fatalf("expected only the local member, got %v", members)
	}
	if got := membership.MembersWithCapability("maven"); len(got) != 0 {
		t.Fatalf("expected no maven members, got %v", got)
	}
	if all := membership.Members(); len(all) != 1 || all[0] != cluster.Member(local) {
		t.Fatalf("expected membership of the local member only, got %v", all)
	}
}

func TestLoadMembershipAddsRemoteMembers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "members.yaml")
	doc := "members:\n  - id: worker-1\n    url: http://worker-1:8080\n    capabilities: [maven]\n"
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write membership file: %v", err)
	}
	local := cluster.NewLocalMember("node-a", []string{"gradle"}, 1, cluster.NewRegistry())

	membership, err := loadMembership(path, nil, local)
	if err != nil {
		t.Fatalf("loadMembership: %v", err)
	}
	all := membership.Members()
	if len(all) != 2 || all[0].ID() != "node-a" || all[1].ID() != "worker-1" {
		t.Fatalf("expected local then remote member, got %v", all)
	}
	if maven := membership.MembersWithCapability("maven"); len(maven) != 1 || maven[0].ID() != "worker-1" {
		t.Fatalf("expected worker-1 to serve maven, got %v", maven)
	}
}
