package pager

// fileHolder is the registry entry for one object ID. Exactly one holder
// exists per registered ID; the strong flag selects between the two
// ownership variants:
//
//   - strong: the pager keeps the node alive. Set while the object has (or
//     is being verified to have) external duplicates.
//   - weak: the pager only observes the node. Set before the object is
//     first shared and again after a verified zero-children transition.
//
// Variant transitions happen on the worker thread or on the registration
// call sites, always under the registry lock, never concurrently for the
// same key.
type fileHolder struct {
	file   FileNode
	strong bool
}

// promote returns the node for fault dispatch: always for a strong holder,
// and transiently (without persisting the promotion) for a weak holder
// whose node is still alive. Returns nil when only a dead weak reference
// remains, which callers answer with zero-filled pages.
func (h *fileHolder) promote() FileNode {
	if h.strong {
		return h.file
	}
	if h.file.Alive() {
		return h.file
	}
	return nil
}
