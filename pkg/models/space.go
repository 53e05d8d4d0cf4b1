package models

// CreateSpaceRequest contains fields for creating a new space.
type CreateSpaceRequest struct {
	SpaceID                        string `json:"space_id"`
	Name                            string `json:"name"`
	ReplyOrder                      string `json:"reply_order,omitempty"`
	AllowSelfResponses               bool   `json:"allow_self_responses,omitempty"`
	AutoModeEnabled                  bool   `json:"auto_mode_enabled,omitempty"`
	AutoModeDelayMs                  int    `json:"auto_mode_delay_ms,omitempty"`
	AutoModeMaxRounds                int    `json:"auto_mode_max_rounds,omitempty"`
	DuringGenerationUserInputPolicy string `json:"during_generation_user_input_policy,omitempty"`
	UserTurnDebounceMs               int    `json:"user_turn_debounce_ms,omitempty"`
	TokenLimit                       *int64 `json:"token_limit,omitempty"`
}

// CreateSpaceMembershipRequest contains fields for adding a participant to a space.
type CreateSpaceMembershipRequest struct {
	MembershipID               string   `json:"membership_id"`
	SpaceID                    string   `json:"space_id"`
	Kind                       string   `json:"kind"`
	DisplayName                string   `json:"display_name"`
	Position                   int      `json:"position"`
	TalkativenessFactor         *float64 `json:"talkativeness_factor,omitempty"`
	BoundCharacterMembershipID *string  `json:"bound_character_membership_id,omitempty"`
}

// SpaceFilters contains filtering options for listing spaces.
type SpaceFilters struct {
	Limit  int `json:"limit,omitempty"`
	Offset int `json:"offset,omitempty"`
}
