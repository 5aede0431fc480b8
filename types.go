package madoguchi

// Classification is the intent a LanguageModel assigns to a customer message.
type Classification struct {
	Category   string
	Confidence float64
	Reasoning  string
}

// DraftRequest is everything a LanguageModel sees when drafting a reply.
type DraftRequest struct {
	Subject        string
	Message        string
	History        []string
	Classification Classification
}

// Draft is a proposed reply.
type Draft struct {
	Content   string
	ToolsUsed []string
}
