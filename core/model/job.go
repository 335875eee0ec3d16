package model

// SkillQuota declares how many invited candidates should hold a given skill.
// Quotas are satisfied greedily in declaration order.
type SkillQuota struct {
	Skill string `json:"skill"`
	Count int    `json:"count"`
}

// Job is a staffing request posted by a manager.
type Job struct {
	ID                string
	OwnerID           string
	Title             string
	Location          string
	Notes             string
	Window            DateRange
	RequiredSkills    []string
	SkillQuotas       []SkillQuota
	RequiredHeadcount int // 0 means unbounded
}

// HasStructuredSkills reports whether the job declares explicit skill
// requirements. When false, skill matching falls back to extracting
// candidate skills from the free-text notes.
func (j Job) HasStructuredSkills() bool {
	return len(j.RequiredSkills) > 0
}

// Template is a reusable invitation message body.
type Template struct {
	ID   string
	Name string
	Body string
}
