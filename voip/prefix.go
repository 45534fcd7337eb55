package voip

// Config holds the prefix-examination tunables spec §4.6 names.
type Config struct {
	MaxPrefixLength                int
	MinLengthCalledNumber          int
	PrefixExaminationThreshold     int
	DetectionInterval              float64 // seconds
	DetectionPauseAfterAttack      float64 // seconds
	SafeCacheSize                  int
	ConsiderSuccessfulAfterSIPAck  bool
}

// DefaultConfig mirrors original_source/voip_fraud_detection's defaults
// in spirit (exact constants are deployment-site tunables there).
func DefaultConfig() Config {
	return Config{
		MaxPrefixLength:            8,
		MinLengthCalledNumber:      4,
		PrefixExaminationThreshold: 100,
		DetectionInterval:          60,
		DetectionPauseAfterAttack:  300,
		SafeCacheSize:              64,
	}
}

// PrefixFinding is the raw prefix-examination detection result, before
// event-id allocation/dedup (handled by the alert package).
type PrefixFinding struct {
	SipTo                string
	UserAgentHash        uint32
	PrefixLength         int
	PrefixExaminationCount int
	SuccessfulCallCount  int
	InviteCount          uint32
	OkCount              uint32
}

// report accumulates the minus-detection walk's findings, mirroring
// original_source's detection_prefix_examination_t.
type report struct {
	successfulCall int
	invite         uint32
	ok             uint32
	node           int
	prefixLength   int
	baseLength     int // length already consumed by the up-walk to the boundary
}

// Detector runs periodic prefix-examination detection over one source
// IP's Tree.
type Detector struct {
	cfg   Config
	cache *safeCache
}

func NewDetector(cfg Config) *Detector {
	return &Detector{cfg: cfg, cache: newSafeCache(cfg.SafeCacheSize)}
}

// Detect runs one full detection pass over tree, returning the first
// attack found (spec §4.6: "delete the implicated subtree" then stop —
// the original returns on the first hit per call, relying on the
// periodic interval to catch further subtrees on the next pass).
func (d *Detector) Detect(t *Tree) (*PrefixFinding, bool) {
	d.cache.Clear()
	return d.detectNode(t, t.root)
}

func (d *Detector) detectNode(t *Tree, nodeIdx int) (*PrefixFinding, bool) {
	if d.cache.Contains(t, nodeIdx) {
		return nil, false
	}
	n := &t.nodes[nodeIdx]

	if len(n.children) == 0 {
		return d.detectLeaf(t, nodeIdx)
	}

	for _, child := range n.children {
		if finding, ok := d.detectNode(t, child); ok {
			return finding, true
		}
	}
	return nil, false
}

func (d *Detector) detectLeaf(t *Tree, leafIdx int) (*PrefixFinding, bool) {
	boundary, prefixLen := d.walkUpToBoundary(t, leafIdx)
	prefixSumCount := t.nodes[boundary].countOfString

	if prefixSumCount <= d.cfg.PrefixExaminationThreshold {
		return nil, false
	}
	if d.cache.Contains(t, boundary) {
		return nil, false
	}

	// The down-walk's own length budget is independent of the up-walk's:
	// the boundary can already sit close to max_prefix_length characters
	// from the leaf, and continuing that count into the descent would
	// make every subtree look "over-length" immediately, excluding the
	// very evidence being searched for. sumPrefixDown therefore restarts
	// at 0 at the boundary; prefixLen is added back only when reporting
	// rep.prefixLength, so the alert payload still reflects total
	// distance from the leaf to the reporting node.
	rep := &report{prefixLength: -1, baseLength: prefixLen}
	minus := d.minusDetection(t, boundary, 0, true, rep)

	adjusted := prefixSumCount
	if adjusted <= minus {
		adjusted = 0
	} else {
		adjusted -= minus
	}

	if adjusted <= d.cfg.PrefixExaminationThreshold {
		d.cache.Save(t, boundary)
		return nil, false
	}

	sipTo := d.composeSipTo(t, rep.node)
	reportNodeData := t.nodes[rep.node].data

	finding := &PrefixFinding{
		SipTo:                  sipTo,
		PrefixLength:           rep.prefixLength,
		PrefixExaminationCount: adjusted,
		SuccessfulCallCount:    rep.successfulCall,
		InviteCount:            rep.invite,
		OkCount:                rep.ok,
	}
	if reportNodeData != nil {
		finding.UserAgentHash = reportNodeData.UserAgentHash
	}

	d.deleteSubtree(t, boundary)

	return finding, true
}

// walkUpToBoundary climbs from leafIdx, one character per level,
// stopping once the accumulated length exceeds max_prefix_length or a
// '@' label is crossed or the root is reached (spec §4.6).
func (d *Detector) walkUpToBoundary(t *Tree, leafIdx int) (boundary, length int) {
	cur := leafIdx
	for length <= d.cfg.MaxPrefixLength {
		boundary = cur
		n := &t.nodes[cur]
		if cur != t.root {
			length++
		}
		if n.label == '@' {
			break
		}
		if n.parent == noParent {
			break
		}
		cur = n.parent
	}
	return boundary, length
}

// minusDetection walks down from nodeIdx, excluding legitimate
// successful calls (and branches that exceed max_prefix_length) from
// the suspicion count, recording the deepest genuine prefix-examination
// node for the alert payload (spec §4.6).
func (d *Detector) minusDetection(t *Tree, nodeIdx, sumPrefixDown int, firstNode bool, rep *report) int {
	n := &t.nodes[nodeIdx]
	if !firstNode && n.label != '@' {
		sumPrefixDown++
	}

	if sumPrefixDown > d.cfg.MaxPrefixLength {
		return n.countOfString + 1
	}

	result := 0
	if n.data != nil {
		okCount := n.data.OkCount
		total := rep.baseLength + sumPrefixDown
		if d.cfg.ConsiderSuccessfulAfterSIPAck {
			if okCount > 0 && n.data.AckCount > 0 {
				result++
				rep.successfulCall++
			} else if rep.prefixLength < total {
				rep.node = nodeIdx
				rep.prefixLength = total
			}
		} else if okCount > 0 {
			result++
			rep.successfulCall++
		} else if rep.prefixLength < total {
			rep.node = nodeIdx
			rep.prefixLength = total
		}
		rep.invite += n.data.InviteCount
		rep.ok += n.data.OkCount
	}

	for _, child := range n.children {
		result += d.minusDetection(t, child, sumPrefixDown, false, rep)
	}
	return result
}

// composeSipTo rebuilds an example called-party URI from the deepest
// recorded prefix-examination node up to the root (spec §4.6: "one
// example called-party URI reconstructed from the deepest recording
// node up to the root"). Prefix examination is an attack on numbers
// sharing a common *suffix* (GLOSSARY), which is why the tree is built
// on the reversed string: a node's path from root is the reversed
// string's prefix, i.e. the original string's suffix read in its
// natural (forward) order — so appending labels while climbing toward
// the root, in visiting order, directly yields that shared suffix.
func (d *Detector) composeSipTo(t *Tree, nodeIdx int) string {
	var b []byte
	for nodeIdx != t.root {
		n := &t.nodes[nodeIdx]
		b = append(b, n.label)
		nodeIdx = n.parent
	}
	return string(b)
}

// deleteSubtree removes boundary and all descendants from the tree,
// decrementing count_of_string on every ancestor by the subtree's total
// string count (spec §4.6). Freed nodes remain as unreferenced arena
// slots rather than being physically compacted — the original's
// free()-based deletion doesn't have a direct analogue in an
// append-only arena, and leaving the slots is harmless since nothing
// reachable from the root points to them anymore.
func (d *Detector) deleteSubtree(t *Tree, boundary int) {
	removed := t.nodes[boundary].countOfString
	parent := t.nodes[boundary].parent
	if parent == noParent {
		// the root itself stays as the tree's anchor; emptying it removes
		// everything below it.
		t.nodes[boundary].children = make(map[byte]int)
		t.nodes[boundary].countOfString = 0
		t.nodes[boundary].data = nil
		return
	}
	if parent != noParent {
		delete(t.nodes[parent].children, t.nodes[boundary].label)
	}
	for p := parent; p != noParent; p = t.nodes[p].parent {
		t.nodes[p].countOfString -= removed
	}
}
