package saga

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunSucceedsWhenAllStepsSucceed(t *testing.T) {
	var order []string
	s := New(
		Step{Name: "a", Execute: func(ctx context.Context, data any) (any, error) {
			order = append(order, "exec:a")
			return "a-result", nil
		}},
		Step{Name: "b", Execute: func(ctx context.Context, data any) (any, error) {
			order = append(order, "exec:b")
			return "b-result", nil
		}},
	)

	result := s.Run(context.Background(), nil, nil)
	require.True(t, result.Success)
	assert.Equal(t, "b-result", result.LastResult)
	assert.Equal(t, []string{"a", "b"}, result.CompletedSteps)
	assert.Equal(t, []string{"exec:a", "exec:b"}, order)
}

func TestRunCompensatesCompletedStepsInReverseOrderOnFailure(t *testing.T) {
	var compensated []string
	s := New(
		Step{
			Name:    "a",
			Execute: func(ctx context.Context, data any) (any, error) { return "a-result", nil },
			Compensate: func(ctx context.Context, data, result any) error {
				compensated = append(compensated, "a")
				return nil
			},
		},
		Step{
			Name:    "b",
			Execute: func(ctx context.Context, data any) (any, error) { return "b-result", nil },
			Compensate: func(ctx context.Context, data, result any) error {
				compensated = append(compensated, "b")
				return nil
			},
		},
		Step{
			Name:    "c",
			Execute: func(ctx context.Context, data any) (any, error) { return nil, errors.New("boom") },
		},
	)

	result := s.Run(context.Background(), nil, nil)
	require.False(t, result.Success)
	assert.Equal(t, []string{"a", "b"}, result.CompletedSteps)
	assert.Equal(t, []string{"b", "a"}, result.CompensatedSteps)
	assert.Equal(t, []string{"b", "a"}, compensated)
}

func TestRunContinuesCompensatingAfterOneCompensationFails(t *testing.T) {
	var compensateErrors []string
	s := New(
		Step{
			Name:    "a",
			Execute: func(ctx context.Context, data any) (any, error) { return nil, nil },
			Compensate: func(ctx context.Context, data, result any) error {
				return nil
			},
		},
		Step{
			Name:    "b",
			Execute: func(ctx context.Context, data any) (any, error) { return nil, nil },
			Compensate: func(ctx context.Context, data, result any) error {
				return errors.New("compensate-b-failed")
			},
		},
		Step{
			Name:    "c",
			Execute: func(ctx context.Context, data any) (any, error) { return nil, errors.New("boom") },
		},
	)

	result := s.Run(context.Background(), nil, func(stepName string, err error) {
		compensateErrors = append(compensateErrors, stepName)
	})

	require.False(t, result.Success)
	assert.Equal(t, []string{"b"}, compensateErrors)
	assert.Equal(t, []string{"b", "a"}, result.CompensatedSteps)
}

func TestRunPassesStepResultToItsOwnCompensate(t *testing.T) {
	var gotResult any
	s := New(
		Step{
			Name:    "a",
			Execute: func(ctx context.Context, data any) (any, error) { return "the-result", nil },
			Compensate: func(ctx context.Context, data, result any) error {
				gotResult = result
				return nil
			},
		},
		Step{
			Name:    "b",
			Execute: func(ctx context.Context, data any) (any, error) { return nil, errors.New("boom") },
		},
	)

	s.Run(context.Background(), nil, nil)
	assert.Equal(t, "the-result", gotResult)
}
