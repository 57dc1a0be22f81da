package suite

import "context"

// Plugin hooks into the runner. Hooks run in registration order on the way
// in and in reverse order on the way out.
type Plugin interface {
	// OnSessionStart runs before anything is set up. The returned context is
	// passed to every later hook, node hook and test.
	OnSessionStart(ctx context.Context, root *Node) (context.Context, error)
	// OnSessionFinish runs after the last node is torn down, even when the
	// session failed part way.
	OnSessionFinish(ctx context.Context, root *Node) error
	// OnCollectionModify may filter and reorder the collected items.
	OnCollectionModify(ctx context.Context, items []*Item) ([]*Item, error)
	// OnItemSetup runs before the nodes of item are set up.
	OnItemSetup(ctx context.Context, item *Item) error
	// OnItemTeardown runs after the nodes next does not share with item
	// were torn down. next is nil after the last item.
	OnItemTeardown(ctx context.Context, item, next *Item) error
	// OnNodeSetup runs before a node's user setup hook.
	OnNodeSetup(ctx context.Context, node *Node) error
	// OnNodeTeardown runs after a node's user teardown hook.
	OnNodeTeardown(ctx context.Context, node *Node) error
}

// NopPlugin implements Plugin with hooks that do nothing. Embed it to
// implement only some of the hooks.
type NopPlugin struct{}

func (NopPlugin) OnSessionStart(ctx context.Context, _ *Node) (context.Context, error) {
	return ctx, nil
}
func (NopPlugin) OnSessionFinish(context.Context, *Node) error { return nil }
func (NopPlugin) OnCollectionModify(_ context.Context, items []*Item) ([]*Item, error) {
	return items, nil
}
func (NopPlugin) OnItemSetup(context.Context, *Item) error           { return nil }
func (NopPlugin) OnItemTeardown(context.Context, *Item, *Item) error { return nil }
func (NopPlugin) OnNodeSetup(context.Context, *Node) error           { return nil }
func (NopPlugin) OnNodeTeardown(context.Context, *Node) error        { return nil }
