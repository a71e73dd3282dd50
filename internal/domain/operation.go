package domain

// Operation names a paid action. Its cost comes from the tier catalog.
type Operation string

const (
	OpChat        Operation = "chat"
	OpCreateText  Operation = "create_text"
	OpImage       Operation = "image"
	OpCreateImage Operation = "create_image"
)
