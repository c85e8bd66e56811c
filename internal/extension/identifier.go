package extension

// ValidIdentifier reports whether name is a dotted JavaScript identifier
// usable as an extension name or entry point: one or more dot-separated
// segments, each starting with an ASCII letter and continuing with letters,
// digits or underscores.
func ValidIdentifier(name string) bool {
	// dotAllowed is true when the previous character ended a valid segment
	// prefix; tailAllowed when digits and underscores may follow.
	var dotAllowed, tailAllowed bool
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= '0' && c <= '9', c == '_':
			if !tailAllowed {
				return false
			}
		case c == '.':
			if !dotAllowed {
				return false
			}
			dotAllowed, tailAllowed = false, false
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
			dotAllowed, tailAllowed = true, true
		default:
			return false
		}
	}
	return dotAllowed
}
