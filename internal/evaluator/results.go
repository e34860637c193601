package evaluator

import (
	"github.com/JakeFAU/curious-surfer/internal/llm"
)

// PreFilter is the answer of the cheap screening call.
type PreFilter struct {
	PotentiallyRelevant bool `json:"is_potentially_relevant"`
}

// Extraction is the structured view of a page. SpecificJobListings holds one
// semi-structured string per sub-listing of a portal; see ParseListing.
type Extraction struct {
	JobTitle            string   `json:"job_title"`
	CompanyName         string   `json:"company_name"`
	Location            string   `json:"location"`
	JobType             string   `json:"job_type"`
	DescriptionSummary  string   `json:"description_summary"`
	Responsibilities    []string `json:"responsibilities"`
	Requirements        []string `json:"requirements"`
	Keywords            []string `json:"keywords"`
	URLFound            string   `json:"url_found"`
	URLMoreDetails      string   `json:"url_more_details"`
	IsGenericPortal     bool     `json:"is_generic_portal"`
	SpecificJobListings []string `json:"specific_job_listings"`
}

// Empty reports whether nothing was extracted.
func (e Extraction) Empty() bool {
	return e.JobTitle == "" && e.CompanyName == "" && e.DescriptionSummary == "" &&
		!e.IsGenericPortal && len(e.SpecificJobListings) == 0 && len(e.Keywords) == 0
}

// fillFrom copies the non-empty fields of o into the empty fields of e.
func (e *Extraction) fillFrom(o Extraction) {
	fillString(&e.JobTitle, o.JobTitle)
	fillString(&e.CompanyName, o.CompanyName)
	fillString(&e.Location, o.Location)
	fillString(&e.JobType, o.JobType)
	fillString(&e.DescriptionSummary, o.DescriptionSummary)
	fillString(&e.URLFound, o.URLFound)
	fillString(&e.URLMoreDetails, o.URLMoreDetails)
	fillSlice(&e.Responsibilities, o.Responsibilities)
	fillSlice(&e.Requirements, o.Requirements)
	fillSlice(&e.Keywords, o.Keywords)
}

func fillString(dst *string, v string) {
	if *dst == "" && v != "" {
		*dst = v
	}
}

func fillSlice(dst *[]string, v []string) {
	if len(*dst) == 0 && len(v) > 0 {
		*dst = append([]string(nil), v...)
	}
}

// Relevance is the scoring of a specific listing.
type Relevance struct {
	Score             int      `json:"relevance_score"`
	InterimSuitable   bool     `json:"is_interim_suitable"`
	JobTitle          string   `json:"job_title"`
	KeyQualifications []string `json:"key_qualifications"`
	SeniorityLevel    string   `json:"seniority_level"`
	Explanation       string   `json:"explanation"`
	SpecificMatches   []string `json:"specific_matches"`
}

// Evaluation is the outcome of Pipeline.Evaluate for one URL.
type Evaluation struct {
	URL        string     `json:"url"`
	Extraction Extraction `json:"extraction"`
	Relevance  Relevance  `json:"relevance"`
	// Relevant is true for a relevant specific listing and for every portal.
	Relevant          bool       `json:"relevant"`
	Portal            bool       `json:"portal"`
	FollowedDetailURL string     `json:"followed_detail_url,omitempty"`
	FoundJobs         []FoundJob `json:"found_jobs,omitempty"`
	// Aborted is set when the gateway aborted a call; the fields above hold
	// whatever was gathered before.
	Aborted     bool   `json:"aborted,omitempty"`
	AbortDetail string `json:"abort_detail,omitempty"`
}

// Title prefers the extracted title and falls back to the one the relevance
// stage reported.
func (e Evaluation) Title() string {
	if e.Extraction.JobTitle != "" {
		return e.Extraction.JobTitle
	}
	return e.Relevance.JobTitle
}

// FoundJob is a relevant specific listing discovered below a portal.
type FoundJob struct {
	URL        string     `json:"url"`
	Evaluation Evaluation `json:"evaluation"`
}

var (
	preFilterSchema = llm.ObjectSchema("job_pre_filter", map[string]any{
		"is_potentially_relevant": llm.BooleanProp(),
	})

	extractionSchema = llm.ObjectSchema("job_extraction", map[string]any{
		"job_title":             llm.StringProp(),
		"company_name":          llm.StringProp(),
		"location":              llm.StringProp(),
		"job_type":              llm.StringProp(),
		"description_summary":   llm.StringProp(),
		"responsibilities":      llm.StringArrayProp(),
		"requirements":          llm.StringArrayProp(),
		"keywords":              llm.StringArrayProp(),
		"url_found":             llm.StringProp(),
		"url_more_details":      llm.StringProp(),
		"is_generic_portal":     llm.BooleanProp(),
		"specific_job_listings": llm.StringArrayProp(),
	})

	relevanceSchema = llm.ObjectSchema("job_relevance", map[string]any{
		"relevance_score":     llm.IntegerProp(),
		"is_interim_suitable": llm.BooleanProp(),
		"job_title":           llm.StringProp(),
		"key_qualifications":  llm.StringArrayProp(),
		"seniority_level":     llm.StringProp(),
		"explanation":         llm.StringProp(),
		"specific_matches":    llm.StringArrayProp(),
	})
)
