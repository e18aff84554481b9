package worker

// State はワーカーのライフサイクル状態を表す。
type State int

const (
	// Installing はインストール中。
	Installing State = iota
	// Installed はインストール済みで有効化待ち。
	Installed
	// Activating は有効化中。
	Activating
	// Active は有効化済みでイベントを処理できる状態。
	Active
)

// String は状態名を返す。
func (s State) String() string {
	switch s {
	case Installing:
		return "installing"
	case Installed:
		return "installed"
	case Activating:
		return "activating"
	case Active:
		return "active"
	default:
		return "unknown"
	}
}
