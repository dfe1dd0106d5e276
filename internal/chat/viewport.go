package chat

// Viewport models the scroll state of the conversation view as plain
// integers so any UI can drive it. Heights and offsets are in whatever
// unit the UI measures (pixels, rows).
type Viewport struct {
	ScrollTop    int
	ScrollHeight int
	ClientHeight int
}

// AtTop reports whether the sentinel at the top of the scroll region
// would be visible, i.e. backward pagination should trigger.
func (v *Viewport) AtTop(threshold int) bool {
	return v.ScrollTop <= threshold
}

// PinnedToBottom reports whether the view is scrolled to the latest
// message, in which case a live append should keep it there.
func (v *Viewport) PinnedToBottom(slack int) bool {
	return v.ScrollTop+v.ClientHeight >= v.ScrollHeight-slack
}

// ScrollToBottom jumps to the newest content.
func (v *Viewport) ScrollToBottom() {
	v.ScrollTop = v.ScrollHeight - v.ClientHeight
	if v.ScrollTop < 0 {
		v.ScrollTop = 0
	}
}

// AdjustForPrepend is called after an older page grew the content by
// addedHeight. The offset shifts by the same delta so the previously
// visible content does not jump.
func (v *Viewport) AdjustForPrepend(addedHeight int) {
	v.ScrollHeight += addedHeight
	v.ScrollTop += addedHeight
}
