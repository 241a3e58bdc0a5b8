package styles

// Status glyphs used by doctor and status output.
var (
	IconPass = "✔"
	IconWarn = "●"
	IconFail = "✘"
	IconDone = "★"
)
