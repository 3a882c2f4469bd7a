package autosave

// Flags select the step boundaries at which a delegate type is saved.
type Flags struct {
	BeforeStart bool `yaml:"before_start" json:"before_start"`
	AfterStart  bool `yaml:"after_start" json:"after_start"`
	AfterEnd    bool `yaml:"after_end" json:"after_end"`
}

// Policy maps delegate type ids to their autosave flags. Types absent from
// Table are never saved at step boundaries.
type Policy struct {
	Enabled bool             `yaml:"enabled" json:"enabled" env:"ENABLED"`
	Table   map[string]Flags `yaml:"table" json:"table"`
}

func (p Policy) flags(typeID string) Flags {
	if !p.Enabled {
		return Flags{}
	}
	return p.Table[typeID]
}

func (p Policy) BeforeStart(typeID string) bool { return p.flags(typeID).BeforeStart }
func (p Policy) AfterStart(typeID string) bool  { return p.flags(typeID).AfterStart }
func (p Policy) AfterEnd(typeID string) bool    { return p.flags(typeID).AfterEnd }
