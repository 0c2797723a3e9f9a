package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/procurement-harvester/internal/harvest"
)

func TestNotifierStoresEvents(t *testing.T) {
	t.Parallel()

	n := New()
	require.NoError(t, n.Notify(context.Background(), harvest.Event{Kind: harvest.EventGatherDone}))
	require.NoError(t, n.Notify(context.Background(), harvest.Event{Kind: harvest.EventFetchDone}))

	require.Equal(t, []harvest.EventKind{harvest.EventGatherDone, harvest.EventFetchDone}, n.Kinds())

	events := n.Events()
	events[0].Kind = "modified"
	require.Equal(t, harvest.EventGatherDone, n.Events()[0].Kind, "Events must return a copy")
}
