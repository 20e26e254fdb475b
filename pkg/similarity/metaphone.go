package similarity

// Metaphone calculates a simplified Metaphone encoding of a single word,
// capped at six characters
func Metaphone(word string) string {
	str := lettersOnly(word)
	if str == "" {
		return ""
	}

	code := make([]byte, 0, 6)
	prev := byte(0)
	for i := 0; i < len(str) && len(code) < 6; i++ {
		c := metaphoneCode(str, i)
		if c != 0 && c != prev {
			code = append(code, c)
		}
		prev = c
	}
	return string(code)
}

// metaphoneCode returns the Metaphone code for the character at pos
func metaphoneCode(word string, pos int) byte {
	char := word[pos]
	next := byte(0)
	if pos+1 < len(word) {
		next = word[pos+1]
	}

	switch char {
	case 'A', 'E', 'I', 'O', 'U':
		if pos == 0 {
			return 'A'
		}
		return 0
	case 'C':
		if next == 'I' || next == 'E' || next == 'Y' {
			return 'S'
		}
		if next == 'H' {
			return 'X'
		}
		return 'K'
	case 'D':
		return 'T'
	case 'G':
		if next == 'I' || next == 'E' || next == 'Y' {
			return 'J'
		}
		if next == 'H' {
			return 0
		}
		return 'K'
	case 'H', 'W', 'Y':
		return 0
	case 'P':
		if next == 'H' {
			return 'F'
		}
		return 'P'
	case 'Q':
		return 'K'
	case 'S':
		if next == 'H' {
			return 'X'
		}
		return 'S'
	case 'V':
		return 'F'
	case 'X', 'Z':
		return 'S'
	default:
		return char
	}
}
