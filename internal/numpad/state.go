package numpad

// DispatchState is the mutable state owned by a Dispatcher
type DispatchState struct {
	PendingKey        KeyID
	PendingCommand    string
	IsProbing         bool
	IsPrinting        bool
	FineTuning        bool
	QuickJumpCount    int
	AccumulatedOffset float64
	OffsetSavePending bool
}

// HasPending reports whether a command is waiting for confirmation
func (s DispatchState) HasPending() bool {
	return s.PendingKey != "" && s.PendingCommand != ""
}

func (s *DispatchState) clearPending() {
	s.PendingKey = ""
	s.PendingCommand = ""
}

// Mode is the knob mode selected from host state
type Mode string

const (
	ModeProbing  Mode = "probing"
	ModePrinting Mode = "printing"
	ModeIdle     Mode = "idle"
)

// Mode returns the knob mode; probing wins over printing
func (s DispatchState) Mode() Mode {
	switch {
	case s.IsProbing:
		return ModeProbing
	case s.IsPrinting:
		return ModePrinting
	default:
		return ModeIdle
	}
}

// StatusReport is the externally visible dispatcher status
type StatusReport struct {
	CommandMapping     map[string]string `json:"command_mapping"`
	QueryMapping       map[string]string `json:"query_mapping"`
	PendingKey         *string           `json:"pending_key"`
	PendingCommand     *string           `json:"pending_command"`
	IsPrinting         bool              `json:"is_printing"`
	IsProbing          bool              `json:"is_probing"`
	IsFineTuning       bool              `json:"is_fine_tuning"`
	QuickJumpsCount    int               `json:"quick_jumps_count"`
	AccumulatedZAdjust float64           `json:"accumulated_z_adjust"`
	ZOffsetSavePending bool              `json:"z_offset_save_pending"`
	FinetuneZOffset    float64           `json:"finetune_z_nozzle_offset"`
	Mode               Mode              `json:"mode"`
	NoConfirmKeys      []string          `json:"no_confirm_keys"`
	ConfirmationKeys   []string          `json:"confirmation_keys"`
}
