package errors_test

import (
	stderrors "errors"
	"testing"

	"github.com/jrsteele09/go-oauth-flows/internal/errors"
	"github.com/stretchr/testify/require"
)

func TestWrapf(t *testing.T) {
	require.NoError(t, errors.Wrapf(nil, "ignored"))

	err := errors.Wrapf(errors.ErrUnknownClient, "client %q", "spa")
	require.EqualError(t, err, `client "spa": unknown client`)
	require.True(t, errors.Is(err, errors.ErrUnknownClient))
	require.True(t, stderrors.Is(err, errors.ErrUnknownClient))
}
