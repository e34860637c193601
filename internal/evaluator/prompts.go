package evaluator

import (
	"strings"

	"github.com/JakeFAU/curious-surfer/internal/chunking"
)

// Prompt names looked up in the prompts section of the configuration.
const (
	PromptPreFilter = "job_pre_filter"
	PromptExtractor = "opportunity_extractor"
	PromptRelevance = "job_relevance"
)

const defaultPreFilterPrompt = `You are a fast pre-screener of job postings for interim managers.

Decide from the title and the short description alone whether the posting could be a
senior-level position (Director, Head of, VP, Senior Manager, Project Lead, Interim, C-level)
worth a detailed look.

Reject clear mismatches such as apprenticeships and student jobs: Azubi, Ausbildung, Praktikum,
Werkstudent, Duales Studium, Trainee, Junior, Internship.

When in doubt, answer true. Return is_potentially_relevant as a boolean.`

const defaultExtractorPrompt = `You are an expert at extracting structured job information from websites.

Analyze the provided webpage content and decide whether it is:
1. a specific job listing page with a single position, or
2. a generic job portal or listing page with multiple positions.

For a specific listing extract comprehensive details. For a generic portal identify the
individual listings that might be relevant for interim managers.

Fields:
- job_title: main job title or portal title
- company_name
- location (empty when unknown)
- job_type (empty when unknown)
- description_summary: a summary of the job or the portal
- responsibilities: list of strings (specific listing)
- requirements: list of strings (specific listing)
- keywords: key terms from the job
- url_found: the URL where this job was found
- url_more_details: a URL with more details about this job (empty when none)
- is_generic_portal: boolean
- specific_job_listings: for a portal, one entry per job found, each a JSON object written as a
  string: {"title": "job title", "description": "short description", "url": "link"}`

const defaultRelevancePrompt = `You are an expert at evaluating job listings for their suitability for interim managers.

An ideal interim manager position:
- is senior level (Director, VP, Head of Department, Senior Manager, Project Lead)
- involves project management, transformation, technical leadership or strategic work
- requires significant experience (5+ years)
- is often, but not always, temporary, contract, project-based or fixed-term
- typically involves change management, turnaround or a specific business challenge
- is NOT entry-level, junior or support staff

German terms to look for: Interimsmanager, Projektleiter, befristete Stelle,
Führungskraft auf Zeit, Veränderungsprozess, Restrukturierung.

Scoring:
- 0-1: definitely not suitable (junior, entry-level, long-term operational)
- 2: some senior aspects but lacks other key criteria
- 3: good match in seniority and scope, even if permanent
- 4-5: strong match including temporary nature or explicit interim roles

Senior roles with project responsibility score at least 3 even when permanent.

Fields: relevance_score (0-5), is_interim_suitable (true if the score is 3 or more), job_title,
key_qualifications, seniority_level, explanation, specific_matches (quotes from the posting).`

const memoryNote = `

The content may arrive in parts. A part starts with the notes you wrote about the earlier parts,
enclosed between §§§Memory§§§ and §§§End of Memory§§§, followed by the next part of the page.
Do not answer yet: write an updated set of notes in text_output that keeps every fact from the
earlier notes and adds everything from this part that matters for the task above.`

// Prompts holds the resolved instructions of every stage.
type Prompts struct {
	PreFilter string
	Extractor string
	Relevance string
}

// DefaultPrompts returns the built-in instructions.
func DefaultPrompts() Prompts {
	return Prompts{
		PreFilter: defaultPreFilterPrompt,
		Extractor: defaultExtractorPrompt,
		Relevance: defaultRelevancePrompt,
	}
}

// ResolvePrompts overlays configured templates on the defaults and appends the
// domain terms as hints. lookup returns the configured template or the given fallback.
func ResolvePrompts(lookup func(name, fallback string) string, domainTerms []string) Prompts {
	d := DefaultPrompts()
	if lookup != nil {
		d.PreFilter = lookup(PromptPreFilter, d.PreFilter)
		d.Extractor = lookup(PromptExtractor, d.Extractor)
		d.Relevance = lookup(PromptRelevance, d.Relevance)
	}
	hint := termsHint(domainTerms)
	d.PreFilter += hint
	d.Relevance += hint
	return d
}

func termsHint(terms []string) string {
	clean := make([]string, 0, len(terms))
	for _, t := range terms {
		if t = strings.TrimSpace(t); t != "" {
			clean = append(clean, t)
		}
	}
	if len(clean) == 0 {
		return ""
	}
	return "\n\nTerms that often mark a relevant posting: " + strings.Join(clean, ", ") + "."
}

func pair(instruction string) chunking.InstructionPair {
	return chunking.InstructionPair{Plain: instruction, Memory: instruction + memoryNote}
}
