package cleanup

import (
	"context"
	"errors"
	"io"
	"sort"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/shellcache/internal/partition"
)

type failingRegistry struct {
	partition.Registry
	failOn string
}

func (f failingRegistry) Delete(ctx context.Context, name string) (bool, error) {
	if name == f.failOn {
		return false, errors.New("disk busy")
	}
	return f.Registry.Delete(ctx, name)
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func seed(t *testing.T, reg partition.Registry, names ...string) {
	t.Helper()
	for _, name := range names {
		if _, err := reg.Open(context.Background(), name); err != nil {
			t.Fatalf("open error: %v", err)
		}
	}
}

func TestRunRemovesPartitionsWithoutMarker(t *testing.T) {
	reg := partition.NewMemoryRegistry(4)
	seed(t, reg, "demo-v2.1.0", "demo-data-v2.1.0", "demo-v2.0.0", "legacy")

	task, err := New(reg, "v2.1.0", partition.VersionSet{}, quietLogger())
	if err != nil {
		t.Fatalf("task error: %v", err)
	}
	removed := task.Run(context.Background())
	if len(removed) != 2 || removed[0] != "demo-v2.0.0" || removed[1] != "legacy" {
		t.Fatalf("unexpected removed partitions: %v", removed)
	}
	names, _ := reg.Names(context.Background())
	sort.Strings(names)
	if len(names) != 2 || names[0] != "demo-data-v2.1.0" || names[1] != "demo-v2.1.0" {
		t.Fatalf("unexpected remaining partitions: %v", names)
	}
}

func TestRunContinuesAfterDeleteFailure(t *testing.T) {
	inner := partition.NewMemoryRegistry(4)
	seed(t, inner, "old-a", "old-b", "demo-v3")
	task, err := New(failingRegistry{Registry: inner, failOn: "old-a"}, "v3", partition.VersionSet{}, quietLogger())
	if err != nil {
		t.Fatalf("task error: %v", err)
	}
	removed := task.Run(context.Background())
	if len(removed) != 1 || removed[0] != "old-b" {
		t.Fatalf("failure on one partition must not stop the others: %v", removed)
	}
}

func TestRunKeepsOverriddenCurrentPartitions(t *testing.T) {
	reg := partition.NewMemoryRegistry(8)
	current := partition.NewVersionSet("sc", "v2", "v2", "f3")
	seed(t, reg, "sc-v2", "sc-data-v2", "sc-fonts-f3", "sc-fonts-f2", "sc-v1")

	task, err := New(reg, "v2", current, quietLogger())
	if err != nil {
		t.Fatalf("task error: %v", err)
	}
	removed := task.Run(context.Background())
	if len(removed) != 2 || removed[0] != "sc-fonts-f2" || removed[1] != "sc-v1" {
		t.Fatalf("unexpected removed partitions: %v", removed)
	}
	names, _ := reg.Names(context.Background())
	sort.Strings(names)
	want := []string{"sc-data-v2", "sc-fonts-f3", "sc-v2"}
	if len(names) != len(want) {
		t.Fatalf("expected %v to remain, got %v", want, names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("expected %v to remain, got %v", want, names)
		}
	}
}

func TestNewRequiresMarker(t *testing.T) {
	if _, err := New(partition.NewMemoryRegistry(1), " ", partition.VersionSet{}, nil); err == nil {
		t.Fatalf("empty marker should be rejected")
	}
}
