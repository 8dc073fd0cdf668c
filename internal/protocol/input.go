package protocol

// Vec2 is a two-component axis sample.
type Vec2 struct {
	X float32 `json:"x"`
	Y float32 `json:"y"`
}

// Buttons is the digital button state of one input frame.
type Buttons struct {
	Grab  bool `json:"grab"`
	Place bool `json:"place"`
	Dash  bool `json:"dash"`
}

// InputFrame is one sample of a player's controls, produced by the front-end.
type InputFrame struct {
	MoveAxis Vec2    `json:"move_axis"`
	Look     Vec2    `json:"look"`
	Buttons  Buttons `json:"buttons"`
}
