package gmail

type MessageID string
type LabelID string

type Label struct {
	ID   LabelID
	Name string // user-visible name, the lookup key for resolution
}

type MessageMeta struct {
	ID       MessageID
	LabelIDs []LabelID
}

// HasLabel reports whether the message already carries the given label.
func (m MessageMeta) HasLabel(id LabelID) bool {
	for _, l := range m.LabelIDs {
		if l == id {
			return true
		}
	}
	return false
}

// ListPage is one page of a message search result.
type ListPage struct {
	IDs           []MessageID
	NextPageToken string
}

type Query struct {
	Raw string // Gmail query string, already formed (e.g. `from:x@y.com after:2026/08/18`)
}
