package protocol

import "strings"

// Name is a player name in the game's file-name encoding.
type Name [NameLen]byte

// DefaultName is the unset sentinel (eight spaces).
var DefaultName = Name{0xdf, 0xdf, 0xdf, 0xdf, 0xdf, 0xdf, 0xdf, 0xdf}

const nameSpace = 0xdf

var nameEncoding = []rune("" +
	"0123456789あいうえおか" +
	"きくけこさしすせそたちつてとなに" +
	"ぬねのはひふへほまみむめもやゆよ" +
	"らりるれろわをんぁぃぅぇぉっゃゅ" +
	"ょがぎぐげござじずぜぞだぢづでど" +
	"ばびぶべぼぱぴぷぺぽアイウエオカ" +
	"キクケコサシスセソタチツテトナニ" +
	"ヌネノハヒフヘホマミムメモヤユヨ" +
	"ラリルレロワヲンァィゥェォッャュ" +
	"ョガギグゲゴザジズゼゾダヂヅデド" +
	"バビブベボパピプペポヴABCDE" +
	"FGHIJKLMNOPQRSTU" +
	"VWXYZabcdefghijk" +
	"lmnopqrstuvwxyz " +
	"┬?!:-()゛゜,./����" +
	"����������������")

func (n Name) IsDefault() bool { return n == DefaultName }

// String renders the name, trimming trailing spaces.
func (n Name) String() string {
	var b strings.Builder
	for _, c := range n {
		b.WriteRune(nameEncoding[c])
	}
	return strings.TrimRight(b.String(), " ")
}

// EncodeName converts text to the game encoding, padding with spaces.
// Characters outside the table become spaces; text longer than eight
// characters is truncated.
func EncodeName(s string) Name {
	out := DefaultName
	i := 0
	for _, r := range s {
		if i == NameLen {
			break
		}
		out[i] = nameSpace
		for code, enc := range nameEncoding {
			if enc == r && r != '�' {
				out[i] = byte(code)
				break
			}
		}
		i++
	}
	return out
}

// FallbackName is the name shown for a world whose player has not set one:
// "Player N", "PlayerNN" or "PlayrNNN" depending on the number of digits.
func FallbackName(world uint8) Name {
	switch {
	case world < 10:
		return Name{0xba, 0xd0, 0xc5, 0xdd, 0xc9, 0xd6, nameSpace, world}
	case world < 100:
		return Name{0xba, 0xd0, 0xc5, 0xdd, 0xc9, 0xd6, world / 10, world % 10}
	default:
		return Name{0xba, 0xd0, 0xc5, 0xdd, 0xd6, world / 100, (world % 100) / 10, world % 10}
	}
}

// DisplayName returns n, or the fallback for world when n is unset.
func DisplayName(world uint8, n Name) Name {
	if n.IsDefault() {
		return FallbackName(world)
	}
	return n
}
