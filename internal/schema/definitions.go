package schema

// PaperOutline is the declared schema for the outline extraction stage.
func PaperOutline() *Definition {
	return &Definition{
		Name: "paper_outline",
		Root: Object(map[string]*Node{
			"title":    String("The full title of the paper"),
			"authors":  Array(String("Author name")),
			"abstract": String("The paper's abstract, verbatim or summarized"),
			"sections": Array(Object(map[string]*Node{
				"title":       String("Section title"),
				"description": String("One or two sentences describing what the section covers"),
				"subsections": Array(String("Subsection title")),
			})),
			"keywords": Array(String("Key topic or term")),
		}),
	}
}

// SectionExpansion is the declared schema for the per-section expansion stage.
func SectionExpansion() *Definition {
	return &Definition{
		Name: "section_expansion",
		Root: Object(map[string]*Node{
			"section_title": String("Title of the section being analyzed"),
			"summary":       String("Detailed summary of the section"),
			"key_points":    Array(String("Key point made in the section")),
			"methodologies": Array(Object(map[string]*Node{
				"name":        String("Name of the methodology"),
				"description": String("How the methodology is used"),
			})),
			"results": Array(Object(map[string]*Node{
				"finding":      String("The reported finding"),
				"significance": String("Why the finding matters"),
			})),
			"figures_and_tables": Array(Object(map[string]*Node{
				"type":        String("Either figure or table"),
				"caption":     String("Caption as it appears in the paper"),
				"description": String("What the figure or table shows"),
			})),
			"citations": Array(String("Referenced work mentioned in the section")),
		}),
	}
}
