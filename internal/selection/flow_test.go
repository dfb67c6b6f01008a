package selection

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"arcanum/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func inventory(n int) []models.InventoryItem {
	out := make([]models.InventoryItem, n)
	for i := range out {
		out[i] = models.InventoryItem{
			InventoryID: int64(i + 1),
			Item:        models.Item{GeneratedItem: models.GeneratedItem{Name: fmt.Sprintf("Item %d", i+1)}},
		}
	}
	return out
}

func noConfirm(context.Context, string, []models.InventoryItem, map[string]string) error {
	return nil
}

func TestStartFlowUnknownType(t *testing.T) {
	e := NewEngine()
	_, err := e.StartFlow("t1", "u1", "no_such_flow", inventory(5), nil, noConfirm)
	assert.ErrorIs(t, err, ErrUnknownFlow)
}

func TestStartFlowNeedsEnoughItems(t *testing.T) {
	e := NewEngine()
	_, err := e.StartFlow("t1", "u1", "experimental_craft", inventory(1), nil, noConfirm)
	assert.Error(t, err)
}

func TestTwoStepFlowFiltersPreviousSelection(t *testing.T) {
	e := NewEngine()
	_, err := e.StartFlow("t1", "u1", "experimental_craft", inventory(3), nil, noConfirm)
	require.NoError(t, err)

	st, err := e.HandleSelection("t1", 2)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Step)
	assert.Equal(t, PhaseSelecting, st.Phase)

	page, err := e.PageItems("t1")
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	for _, it := range page.Items {
		assert.NotEqual(t, int64(2), it.InventoryID)
	}

	st, err = e.HandleSelection("t1", 3)
	require.NoError(t, err)
	assert.Equal(t, PhaseConfirming, st.Phase)
	require.Len(t, st.Selections, 2)
	assert.Equal(t, int64(2), st.Selections[0].InventoryID)
	assert.Equal(t, int64(3), st.Selections[1].InventoryID)
}

func TestStaleSelectionIgnored(t *testing.T) {
	e := NewEngine()
	_, err := e.StartFlow("t1", "u1", "experimental_craft", inventory(3), nil, noConfirm)
	require.NoError(t, err)

	st, err := e.HandleSelection("t1", 99)
	require.NoError(t, err)
	assert.Equal(t, 0, st.Step)
	assert.Empty(t, st.Selections)
}

func TestRepeatedSelectionOfSameItemIgnored(t *testing.T) {
	e := NewEngine()
	_, err := e.StartFlow("t1", "u1", "experimental_craft", inventory(3), nil, noConfirm)
	require.NoError(t, err)

	_, err = e.HandleSelection("t1", 1)
	require.NoError(t, err)
	st, err := e.HandleSelection("t1", 1)
	require.NoError(t, err)
	assert.Equal(t, PhaseSelecting, st.Phase)
	assert.Len(t, st.Selections, 1)
}

func TestPaginationClamps(t *testing.T) {
	e := NewEngine()
	_, err := e.StartFlow("t1", "u1", "experimental_craft", inventory(30), nil, noConfirm)
	require.NoError(t, err)

	page, err := e.PageItems("t1")
	require.NoError(t, err)
	assert.Equal(t, 2, page.TotalPages)
	assert.Len(t, page.Items, PageSize)

	st, err := e.HandlePagination("t1", -1)
	require.NoError(t, err)
	assert.Equal(t, 0, st.Page)

	st, err = e.HandlePagination("t1", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Page)

	st, err = e.HandlePagination("t1", 5)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Page)

	page, err = e.PageItems("t1")
	require.NoError(t, err)
	assert.Len(t, page.Items, 5)
	assert.Equal(t, 25, page.Start)
}

func TestPageResetsOnStepAdvance(t *testing.T) {
	e := NewEngine()
	_, err := e.StartFlow("t1", "u1", "experimental_craft", inventory(30), nil, noConfirm)
	require.NoError(t, err)

	_, err = e.HandlePagination("t1", 1)
	require.NoError(t, err)
	st, err := e.HandleSelection("t1", 28)
	require.NoError(t, err)
	assert.Equal(t, 0, st.Page)
}

func TestCancelAtAnyPhase(t *testing.T) {
	e := NewEngine()
	_, err := e.StartFlow("t1", "u1", "experimental_craft", inventory(3), nil, noConfirm)
	require.NoError(t, err)
	assert.True(t, e.HandleCancel("t1"))
	assert.Nil(t, e.State("t1"))
	assert.False(t, e.HandleCancel("t1"))
}

func TestExecuteRequiresConfirmingPhase(t *testing.T) {
	e := NewEngine()
	_, err := e.StartFlow("t1", "u1", "experimental_craft", inventory(3), nil, noConfirm)
	require.NoError(t, err)
	assert.ErrorIs(t, e.HandleExecute(context.Background(), "t1"), ErrNotReady)
}

func TestExecuteRemovesStateBeforeCallback(t *testing.T) {
	e := NewEngine()
	var duringCallback *State
	_, err := e.StartFlow("t1", "u1", "experimental_craft", inventory(3), nil,
		func(context.Context, string, []models.InventoryItem, map[string]string) error {
			duringCallback = e.State("t1")
			return nil
		})
	require.NoError(t, err)

	_, err = e.HandleSelection("t1", 1)
	require.NoError(t, err)
	_, err = e.HandleSelection("t1", 2)
	require.NoError(t, err)

	require.NoError(t, e.HandleExecute(context.Background(), "t1"))
	assert.Nil(t, duringCallback)
	assert.ErrorIs(t, e.HandleExecute(context.Background(), "t1"), ErrNoFlow)
}

func TestExecutePropagatesCallbackError(t *testing.T) {
	e := NewEngine()
	boom := errors.New("bench exploded")
	_, err := e.StartFlow("t1", "u1", "experimental_craft", inventory(2), nil,
		func(context.Context, string, []models.InventoryItem, map[string]string) error {
			return boom
		})
	require.NoError(t, err)

	_, err = e.HandleSelection("t1", 1)
	require.NoError(t, err)
	_, err = e.HandleSelection("t1", 2)
	require.NoError(t, err)
	assert.ErrorIs(t, e.HandleExecute(context.Background(), "t1"), boom)
}

func TestCleanupPlayer(t *testing.T) {
	e := NewEngine()
	_, err := e.StartFlow("t1", "u1", "experimental_craft", inventory(3), nil, noConfirm)
	require.NoError(t, err)
	_, err = e.StartFlow("t2", "u1", "experimental_craft", inventory(3), nil, noConfirm)
	require.NoError(t, err)
	_, err = e.StartFlow("t3", "u2", "experimental_craft", inventory(3), nil, noConfirm)
	require.NoError(t, err)

	assert.Equal(t, 2, e.CleanupPlayer("u1"))
	assert.Nil(t, e.State("t1"))
	assert.NotNil(t, e.State("t3"))
}
