// Package selector implements the two negotiation algorithms a proposal and
// traffic-selector matcher needs: per-transform-type proposal intersection
// and traffic-selector narrowing. It depends only on
// internal/proto for algorithm identifiers, never on internal/wire, so the
// matcher can be tested and reasoned about independent of the byte codec;
// callers translate wire.Proposal/wire.Selector into this package's types at
// the boundary.
package selector

import "github.com/ikecore/charon/internal/proto"

// Transform is one algorithm choice within a Proposal.
type Transform struct {
	Type   proto.TransformType
	ID     uint16
	KeyLen uint16
}

// Proposal is one numbered alternative a peer offered or a locally
// configured alternative we are willing to accept.
type Proposal struct {
	Number     uint8
	Protocol   proto.ProtocolID
	SPI        []byte
	Transforms []Transform
}

func (p Proposal) byType(t proto.TransformType) []Transform {
	var out []Transform
	for _, tr := range p.Transforms {
		if tr.Type == t {
			out = append(out, tr)
		}
	}
	return out
}

// selectAlgo finds the first mine-side algorithm of this type that theirs
// also offers, preferring mine's ordering (our configured preference
// order). Per RFC 7296 §3.3.6, if both sides offer zero transforms of this
// type, that is itself a match meaning "this transform type does not
// apply" (used for DH group in an AH proposal with no PFS, for instance).
func selectAlgo(mine, theirs []Transform) (chosen Transform, include, ok bool) {
	if len(mine) == 0 && len(theirs) == 0 {
		return Transform{}, false, true
	}
	for _, m := range mine {
		for _, t := range theirs {
			if m.ID == t.ID && m.KeyLen == t.KeyLen {
				return m, true, true
			}
		}
	}
	return Transform{}, false, false
}

// Options controls Select's behavior for exchanges with nonstandard rules.
type Options struct {
	// StripDH omits the DH transform type from matching entirely — used
	// when rekeying a CHILD_SA without PFS, reusing the IKE_SA's DH
	// instead of negotiating a fresh one.
	StripDH bool
}

// transformTypes lists the dimensions considered, in the canonical order
// the proposal matcher evaluates them.
var transformTypes = []proto.TransformType{
	proto.TransformEncr,
	proto.TransformInteg,
	proto.TransformPRF,
	proto.TransformDH,
	proto.TransformESN,
}

// Select returns the first of mine's proposals (in order of local
// preference) that some one of theirs' satisfies, with the winning
// proposal's algorithm set narrowed to the single chosen transform per
// type. mine is walked outermost so our configured preference order
// decides the outcome, never the order the peer happened to list its own
// offer in. It returns ok=false if no combination of (mine proposal,
// their proposal) matches on protocol and every transform type.
func Select(mine, theirs []Proposal, opts Options) (Proposal, bool) {
	for _, m := range mine {
		for _, t := range theirs {
			if m.Protocol != t.Protocol {
				continue
			}
			if sel, ok := selectOne(m, t, opts); ok {
				sel.Number = t.Number
				sel.SPI = t.SPI
				return sel, true
			}
		}
	}
	return Proposal{}, false
}

func selectOne(mine, theirs Proposal, opts Options) (Proposal, bool) {
	out := Proposal{Protocol: mine.Protocol}
	for _, tt := range transformTypes {
		if opts.StripDH && tt == proto.TransformDH {
			continue
		}
		chosen, include, ok := selectAlgo(mine.byType(tt), theirs.byType(tt))
		if !ok {
			return Proposal{}, false
		}
		if include {
			out.Transforms = append(out.Transforms, chosen)
		}
	}
	return out, true
}
