package runlog

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/Brownie44l1/snapcheck/internal/nn"
	"github.com/Brownie44l1/snapcheck/internal/training"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "ledger", "runs.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRunLifecycle(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	run, err := s.StartRun(ctx, Run{Preset: "enhanced", CorrectDir: "data/correct", IncorrectDir: "data/incorrect"})
	if err != nil {
		t.Fatal(err)
	}
	if run.ID == "" || run.Status != StatusRunning {
		t.Fatalf("started run %+v", run)
	}
	if err := s.SetSamples(ctx, run.ID, 12); err != nil {
		t.Fatal(err)
	}

	vl, va := 0.4, 0.75
	rec := s.Recorder(run.ID)
	if err := rec.RecordEpoch(ctx, nn.EpochMetrics{Epoch: 1, Loss: 0.7, Accuracy: 0.5, TrainSamples: 10, ValidationSamples: 2, Elapsed: 1500 * time.Millisecond}); err != nil {
		t.Fatal(err)
	}
	if err := rec.RecordEpoch(ctx, nn.EpochMetrics{Epoch: 2, Loss: 0.5, Accuracy: 0.8, ValidationLoss: &vl, ValidationAccuracy: &va, TrainSamples: 10, ValidationSamples: 2}); err != nil {
		t.Fatal(err)
	}
	if err := rec.RecordEpoch(ctx, nn.EpochMetrics{Epoch: 2}); err == nil {
		t.Fatal("expected duplicate epoch to be rejected")
	}

	evals := []training.Evaluation{
		{SourceName: "a.png", Score: 0.91, Expected: 1, Predicted: 1},
		{SourceName: "z.png", Score: 0.25, Expected: 0, Predicted: 0},
	}
	if err := s.RecordEvaluations(ctx, run.ID, 0.6, evals); err != nil {
		t.Fatal(err)
	}
	if err := s.FinishRun(ctx, run.ID, "models/latest", nil); err != nil {
		t.Fatal(err)
	}

	got, err := s.Run(ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusSucceeded || got.Samples != 12 || got.BundleDir != "models/latest" || got.FinishedAt.IsZero() {
		t.Fatalf("finished run %+v", got)
	}

	epochs, err := s.Epochs(ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(epochs) != 2 || epochs[0].ValidationLoss != nil || epochs[1].ValidationAccuracy == nil || *epochs[1].ValidationAccuracy != va {
		t.Fatalf("epochs %+v", epochs)
	}
	if epochs[0].Elapsed != 1500*time.Millisecond {
		t.Fatalf("elapsed %v", epochs[0].Elapsed)
	}

	stored, err := s.Evaluations(ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(stored) != 2 || stored[0] != evals[0] || stored[1] != evals[1] {
		t.Fatalf("evaluations %+v", stored)
	}
}

func TestFailedRunAndListing(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	first, _ := s.StartRun(ctx, Run{Preset: "minimal"})
	second, _ := s.StartRun(ctx, Run{Preset: "enhanced"})
	if err := s.FinishRun(ctx, second.ID, "", errors.New("no decodable images")); err != nil {
		t.Fatal(err)
	}

	runs, err := s.Runs(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 || runs[0].ID != second.ID || runs[1].ID != first.ID {
		t.Fatalf("runs not newest first: %+v", runs)
	}
	if runs[0].Status != StatusFailed || runs[0].Error != "no decodable images" {
		t.Fatalf("failed run %+v", runs[0])
	}
	limited, _ := s.Runs(ctx, 1)
	if len(limited) != 1 {
		t.Fatalf("limit ignored: %d runs", len(limited))
	}

	if _, err := s.Run(ctx, "missing"); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
	if err := s.FinishRun(ctx, "missing", "", nil); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
}

func TestReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "runs.db")
	s, err := Open(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	run, _ := s.StartRun(ctx, Run{Preset: "minimal"})
	s.Close()

	s, err = Open(ctx, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	if _, err := s.Run(ctx, run.ID); err != nil {
		t.Fatalf("run lost after reopen: %v", err)
	}
}
