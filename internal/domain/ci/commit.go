package ci

// Commit describes a single commit as seen in a hosted repository.
type Commit struct {
	Hash        string
	AuthorName  string
	AuthorEmail string
	Branch      string
	Message     string
}

// Repository identifies a bare repository hosted on the local file system.
type Repository struct {
	Path string
}
