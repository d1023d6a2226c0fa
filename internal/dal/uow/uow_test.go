package uow

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingTx struct {
	commitErr   error
	begins      int
	commitCtx   context.Context
	rollbackCtx context.Context
}

func (tx *recordingTx) Begin(context.Context) error {
	tx.begins++

	return nil
}

func (tx *recordingTx) Commit(ctx context.Context) error {
	tx.commitCtx = ctx
	if err := ctx.Err(); err != nil {
		return err
	}

	return tx.commitErr
}

func (tx *recordingTx) Rollback(ctx context.Context) error {
	tx.rollbackCtx = ctx

	return nil
}

func TestWithinTxCommitsAfterCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	tx := &recordingTx{}

	err := WithinTx(ctx, tx, func(*recordingTx) error {
		cancel()

		return nil
	})
	require.NoError(t, err)

	require.NotNil(t, tx.commitCtx)
	assert.NoError(t, tx.commitCtx.Err())
	assert.Nil(t, tx.rollbackCtx)
}

func TestWithinTxRollsBackOnError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	tx := &recordingTx{}

	err := WithinTx(ctx, tx, func(*recordingTx) error {
		cancel()

		return errors.New("list failed")
	})
	require.EqualError(t, err, "list failed")

	assert.Nil(t, tx.commitCtx)
	require.NotNil(t, tx.rollbackCtx)
	assert.NoError(t, tx.rollbackCtx.Err())
}

func TestWithinTxRollsBackWhenCommitFails(t *testing.T) {
	tx := &recordingTx{commitErr: errors.New("serialization failure")}

	err := WithinTx(context.Background(), tx, func(*recordingTx) error { return nil })
	require.ErrorContains(t, err, "failed to commit: serialization failure")
	assert.NotNil(t, tx.rollbackCtx)
	assert.Equal(t, 1, tx.begins)
}
