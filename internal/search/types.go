package search

type Query struct {
	Text   string
	Limit  int
	Offset int
}

type Result struct {
	ID        string   `json:"id"`
	Title     string   `json:"title"`
	Snippet   string   `json:"snippet"`
	Author    string   `json:"author"`
	Tags      []string `json:"tags"`
	CreatedAt int64    `json:"createdAt"`
}

type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// TheoryRecord is the indexed shape of an approved, titled theory.
type TheoryRecord struct {
	ID        string   `json:"id"`
	Title     string   `json:"title"`
	Content   string   `json:"content"`
	Author    string   `json:"author"`
	Tags      []string `json:"tags"`
	CreatedAt int64    `json:"createdAt"`
}
