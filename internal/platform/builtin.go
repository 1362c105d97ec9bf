package platform

// Builtin returns the boards supported out of the box. Config entries with
// the same name replace them.
func Builtin() map[string]*HintAdapter {
	contact := []FormField{
		{Intent: "fill_phone", AnswerKey: "phone", Question: "Phone number for applications?"},
		{Intent: "fill_email", AnswerKey: "email", Question: "Email for applications?"},
	}
	return map[string]*HintAdapter{
		"linkedin": {
			SearchURL: "https://www.linkedin.com/jobs/search/?keywords={query}&location={location}&f_AL=true",
			Fields:    contact,
		},
		"indeed": {
			SearchURL: "https://www.indeed.com/jobs?q={query}&l={location}",
			Fields:    contact,
		},
		"hh": {
			SearchURL: "https://hh.ru/search/vacancy?text={query}&area={location}",
			Fields:    []FormField{{Intent: "fill_cover_letter", AnswerKey: "cover_letter", Question: "Cover letter text?"}},
		},
	}
}

// RegisterAll registers adapters into r.
func RegisterAll(r *Registry, adapters map[string]*HintAdapter) {
	for name, a := range adapters {
		r.Register(name, a)
	}
}
