package domain

// TextField is one named text section of an entity. Order matters: fields
// are concatenated in declaration order when building embedding input.
type TextField struct {
	Name string
	Text string
}

// Entity is one indexable record (bill, speech, issue) as read from the
// structured store. Read-only to this engine; Version is bumped by the
// store on every write.
type Entity struct {
	ID         string
	TextFields []TextField
	Metadata   Metadata
	Version    int64
}

// Metadata holds the filterable scalar attributes of an entity.
// Date is unix milliseconds; zero means unknown.
type Metadata struct {
	Category string
	Status   string
	Date     int64
}

// EmbeddingInput joins the entity text fields into the provider input,
// skipping empty sections.
func (e *Entity) EmbeddingInput() string {
	var out string
	for _, f := range e.TextFields {
		if f.Text == "" {
			continue
		}
		if out != "" {
			out += "\n"
		}
		out += f.Text
	}
	return out
}

// ChangeNotice is a structured-store write notification: either a webhook
// payload or one row of a polling diff.
type ChangeNotice struct {
	EntityID string
	Version  int64
}
