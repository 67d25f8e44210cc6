package solver

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/solvekit/captcha-relay/internal/captcha"
)

func testSolver(t *testing.T) *Solver {
	t.Helper()
	return New(Config{}, nil, zap.NewNop())
}

func stageNames(stages []stage) []string {
	names := make([]string, len(stages))
	for i, st := range stages {
		names[i] = st.name
	}
	return names
}

func TestStagePlansPerKind(t *testing.T) {
	t.Parallel()

	s := testSolver(t)
	tests := []struct {
		kind captcha.Kind
		want []string
	}{
		{captcha.KindRecaptchaV2, []string{"navigate", "anchor", "challenge", "transcribe", "verify"}},
		{captcha.KindRecaptchaV2Invisible, []string{"navigate", "execute", "challenge", "transcribe", "verify"}},
		{captcha.KindRecaptchaV3, []string{"navigate", "execute"}},
		{captcha.KindHCaptcha, []string{"navigate", "checkbox", "verify"}},
	}
	for _, tt := range tests {
		run := newSolveRun(s, context.Background(), captcha.TaskSpec{Kind: tt.kind}, "")
		stages, err := s.stagesFor(captcha.TaskSpec{Kind: tt.kind}, run)
		require.NoError(t, err, tt.kind)
		require.Equal(t, tt.want, stageNames(stages), tt.kind)
	}
}

func TestStagePlanRejectsUnsupportedKinds(t *testing.T) {
	t.Parallel()

	s := testSolver(t)
	for _, kind := range []captcha.Kind{captcha.KindImage, captcha.KindText, "funcaptcha"} {
		run := newSolveRun(s, context.Background(), captcha.TaskSpec{Kind: kind}, "")
		_, err := s.stagesFor(captcha.TaskSpec{Kind: kind}, run)
		require.ErrorIs(t, err, captcha.ErrChallengeUnsupported, kind)
	}
}

func TestRunStagesStopsAtFirstFailure(t *testing.T) {
	t.Parallel()

	s := testSolver(t)
	var order []string
	stages := []stage{
		{"first", time.Second, func(context.Context) error {
			order = append(order, "first")
			return nil
		}},
		{"second", time.Second, func(context.Context) error {
			order = append(order, "second")
			return errors.New("element not found")
		}},
		{"third", time.Second, func(context.Context) error {
			order = append(order, "third")
			return nil
		}},
	}

	err := s.runStages(context.Background(), stages)
	require.ErrorContains(t, err, "stage second")
	require.ErrorContains(t, err, "element not found")
	require.Equal(t, []string{"first", "second"}, order)
}

func TestRunStagesMapsDeadlineToTimeout(t *testing.T) {
	t.Parallel()

	s := testSolver(t)
	stages := []stage{
		{"stall", 20 * time.Millisecond, func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}},
	}

	err := s.runStages(context.Background(), stages)
	require.ErrorIs(t, err, captcha.ErrTimeout)
	require.ErrorContains(t, err, "stage stall")
	require.Equal(t, captcha.FailTimeout, captcha.Classify(err))
}

func TestRunStagesPreservesSentinelsThroughWrapping(t *testing.T) {
	t.Parallel()

	s := testSolver(t)
	stages := []stage{
		{"transcribe", time.Second, func(context.Context) error {
			return fmt.Errorf("transcription failed after 3 attempts: %w", captcha.ErrProviderFailure)
		}},
	}

	err := s.runStages(context.Background(), stages)
	require.ErrorIs(t, err, captcha.ErrProviderFailure)
	require.Equal(t, captcha.FailProviderFailure, captcha.Classify(err))
}

func TestRunStagesHonorsOuterCancellation(t *testing.T) {
	t.Parallel()

	s := testSolver(t)
	ctx, cancel := context.WithCancel(context.Background())
	stages := []stage{
		{"first", time.Second, func(context.Context) error {
			cancel()
			return nil
		}},
		{"second", time.Second, func(context.Context) error {
			t.Fatal("stage after cancellation must not run")
			return nil
		}},
	}

	err := s.runStages(ctx, stages)
	require.ErrorContains(t, err, "solve canceled")
	require.NotErrorIs(t, err, captcha.ErrTimeout)
}

func TestIsProxyError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("page load error net::ERR_TUNNEL_CONNECTION_FAILED"), true},
		{errors.New("net::ERR_PROXY_CONNECTION_FAILED"), true},
		{errors.New("proxyconnect tcp: dial tcp 10.0.0.1:8080: i/o timeout"), true},
		{errors.New("net::ERR_NAME_NOT_RESOLVED"), false},
		{errors.New("waiting for selector #recaptcha-anchor"), false},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, IsProxyError(tt.err), "%v", tt.err)
	}
}
