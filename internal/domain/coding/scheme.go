// Package coding mints the human-readable sequential codes carried by every
// coded entity. A Scheme is a pure successor function over code strings; the
// Allocator pairs it with the store's unique code index and a bounded retry
// so concurrent creates never persist the same code twice.
package coding

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ehr/carecore/internal/platform/apperr"
)

// Scheme describes how codes of one entity type progress.
type Scheme interface {
	// ID is stored on each document as codeScheme.
	ID() string
	// Next returns the successor of max, or the first code when max is "".
	Next(max string) (string, error)
	// SortKey returns a string whose byte order matches the scheme's order.
	SortKey(code string) (string, error)
}

func corrupt(scheme, code, reason string) error {
	return apperr.New(apperr.KindCorruptSequenceState, "coding."+scheme,
		fmt.Sprintf("malformed code %q: %s", code, reason), code)
}

// LetterDigit codes are an optional literal, a fixed run of upper-case
// letters and a fixed-width zero-padded number: AAA00, AHPKGA000. When the
// number overflows it resets to zero and the last letter advances.
type LetterDigit struct {
	Name    string
	Literal string
	Letters int
	Digits  int
}

func (s LetterDigit) ID() string { return s.Name }

func (s LetterDigit) parse(code string) (letters []byte, n int, err error) {
	rest, ok := strings.CutPrefix(code, s.Literal)
	if !ok {
		return nil, 0, corrupt(s.Name, code, "missing prefix "+s.Literal)
	}
	if len(rest) != s.Letters+s.Digits {
		return nil, 0, corrupt(s.Name, code, "wrong length")
	}
	letters = []byte(rest[:s.Letters])
	for _, b := range letters {
		if b < 'A' || b > 'Z' {
			return nil, 0, corrupt(s.Name, code, "letter segment must be A-Z")
		}
	}
	for _, b := range []byte(rest[s.Letters:]) {
		if b < '0' || b > '9' {
			return nil, 0, corrupt(s.Name, code, "numeric segment must be digits")
		}
		n = n*10 + int(b-'0')
	}
	return letters, n, nil
}

func (s LetterDigit) format(letters []byte, n int) string {
	return fmt.Sprintf("%s%s%0*d", s.Literal, letters, s.Digits, n)
}

func (s LetterDigit) Next(max string) (string, error) {
	if max == "" {
		return s.format([]byte(strings.Repeat("A", s.Letters)), 0), nil
	}
	letters, n, err := s.parse(max)
	if err != nil {
		return "", err
	}
	n++
	if n > pow10(s.Digits)-1 {
		last := len(letters) - 1
		if letters[last] == 'Z' {
			return "", apperr.New(apperr.KindCorruptSequenceState, "coding."+s.Name,
				"sequence exhausted after "+max, max)
		}
		letters[last]++
		n = 0
	}
	return s.format(letters, n), nil
}

// SortKey is the code itself: every code of the scheme has the same width.
func (s LetterDigit) SortKey(code string) (string, error) {
	if _, _, err := s.parse(code); err != nil {
		return "", err
	}
	return code, nil
}

func pow10(n int) int {
	v := 1
	for i := 0; i < n; i++ {
		v *= 10
	}
	return v
}

// minPad is the zero-padded width of LiteralNumber codes up to 999.
const minPad = 3

// LiteralNumber codes are a fixed literal followed by an unbounded decimal,
// padded to three digits while it is at most 999 and unpadded afterwards:
// AHDOC001 ... AHDOC999, AHDOC1000.
type LiteralNumber struct {
	Name    string
	Literal string
}

func (s LiteralNumber) ID() string { return s.Name }

func (s LiteralNumber) parse(code string) (string, *big.Int, error) {
	digits, ok := strings.CutPrefix(code, s.Literal)
	if !ok {
		return "", nil, corrupt(s.Name, code, "missing prefix "+s.Literal)
	}
	if digits == "" {
		return "", nil, corrupt(s.Name, code, "missing number")
	}
	for _, b := range []byte(digits) {
		if b < '0' || b > '9' {
			return "", nil, corrupt(s.Name, code, "number must be digits")
		}
	}
	n, _ := new(big.Int).SetString(digits, 10)
	if render(n) != digits {
		return "", nil, corrupt(s.Name, code, "non-canonical padding")
	}
	return digits, n, nil
}

func render(n *big.Int) string {
	s := n.String()
	if len(s) < minPad {
		s = strings.Repeat("0", minPad-len(s)) + s
	}
	return s
}

func (s LiteralNumber) Next(max string) (string, error) {
	if max == "" {
		return s.Literal + render(big.NewInt(1)), nil
	}
	_, n, err := s.parse(max)
	if err != nil {
		return "", err
	}
	return s.Literal + render(n.Add(n, big.NewInt(1))), nil
}

// SortKey prefixes the number with its length so AHDOC1000 orders after
// AHDOC999 under plain byte comparison.
func (s LiteralNumber) SortKey(code string) (string, error) {
	digits, _, err := s.parse(code)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s%05d:%s", s.Literal, len(digits), digits), nil
}

// EntityType names a coded document type; it doubles as the store type.
type EntityType string

const (
	EntityMember           EntityType = "member"
	EntityPackage          EntityType = "package"
	EntityDoctor           EntityType = "doctor"
	EntityNavigator        EntityType = "navigator"
	EntityNurse            EntityType = "nurse"
	EntitySchool           EntityType = "school"
	EntityEmpanelledDoctor EntityType = "empanelled_doctor"
)

var schemes = map[EntityType]Scheme{
	EntityMember:           LetterDigit{Name: "member.v1", Letters: 3, Digits: 2},
	EntityPackage:          LetterDigit{Name: "package.v1", Literal: "AHPKG", Letters: 1, Digits: 3},
	EntityDoctor:           LiteralNumber{Name: "doctor.v1", Literal: "AHDOC"},
	EntityNavigator:        LiteralNumber{Name: "navigator.v1", Literal: "AHNAV"},
	EntityNurse:            LiteralNumber{Name: "nurse.v1", Literal: "AHNUR"},
	EntitySchool:           LiteralNumber{Name: "school.v1", Literal: "AHSCHOOL"},
	EntityEmpanelledDoctor: LiteralNumber{Name: "empanelled_doctor.v1", Literal: "AHEMPDOC"},
}

// SchemeFor returns the scheme for entity.
func SchemeFor(entity EntityType) (Scheme, error) {
	s, ok := schemes[entity]
	if !ok {
		return nil, apperr.Invalid("coding.SchemeFor", "unknown entity type "+string(entity))
	}
	return s, nil
}

// Entities lists every coded entity type.
func Entities() []EntityType {
	return []EntityType{
		EntityMember, EntityPackage, EntityDoctor, EntityNavigator,
		EntityNurse, EntitySchool, EntityEmpanelledDoctor,
	}
}
