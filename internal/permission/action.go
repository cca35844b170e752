package permission

type Action string

const (
	ActionRead       Action = "read"
	ActionAdd        Action = "add"
	ActionEdit       Action = "edit"
	ActionReview     Action = "review"
	ActionAdminister Action = "administer"
)

// Required returns the minimum level an action needs. Unknown actions
// require Full so that a typo never widens access.
func Required(action Action) Level {
	switch action {
	case ActionRead:
		return LevelView
	case ActionAdd:
		return LevelAdd
	case ActionEdit:
		return LevelEdit
	case ActionReview, ActionAdminister:
		return LevelFull
	default:
		return LevelFull
	}
}

func Can(level Level, action Action) bool {
	return level.AtLeast(Required(action))
}
