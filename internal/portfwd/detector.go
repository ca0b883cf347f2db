package portfwd

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/charmbracelet/x/ansi"
)

// excludedPorts are infrastructure ports that are never forwarded even when
// announced.
var excludedPorts = map[int]bool{
	22:    true, // ssh
	80:    true,
	443:   true,
	3306:  true, // mysql
	5432:  true, // postgres
	6379:  true, // redis
	27017: true, // mongodb
}

// IsCandidatePort reports whether p may be forwarded.
func IsCandidatePort(p int) bool {
	return p >= 1024 && p <= 65535 && !excludedPorts[p]
}

const hostPattern = `(?:localhost|127\.0\.0\.1|0\.0\.0\.0|\[::1?\]|::1?|[\w.\-]+)`

// announcements match the start-up lines of common dev servers. The first
// submatch is the port.
var announcements = []*regexp.Regexp{
	// "Listening on :3000", "listening on 0.0.0.0:8080", "Listening at http://localhost:5000"
	regexp.MustCompile(`(?i)\blistening (?:on|at)\s+(?:https?://)?(?:` + hostPattern + `)?:(\d{1,5})\b`),
	// "listening on port 3000"
	regexp.MustCompile(`(?i)\blistening on port\s+(\d{1,5})\b`),
	// Vite: "Local:   http://localhost:5173/"
	regexp.MustCompile(`(?i)\blocal:\s+https?://` + hostPattern + `:(\d{1,5})\b`),
	// Flask: "Running on http://127.0.0.1:5000"
	regexp.MustCompile(`(?i)\brunning (?:on|at)\s+https?://` + hostPattern + `:(\d{1,5})\b`),
	// "Server started on port 8080", "server running at http://localhost:4000"
	regexp.MustCompile(`(?i)\bserver (?:started|running|listening|is running) (?:on|at)\s+(?:port\s+)?(?:https?://` + hostPattern + `:)?(\d{1,5})\b`),
	// Next.js: "ready - started server on 0.0.0.0:3000"
	regexp.MustCompile(`(?i)\bstarted server on\s+` + hostPattern + `:(\d{1,5})\b`),
	// "ready on http://localhost:3000", "available on http://..."
	regexp.MustCompile(`(?i)\b(?:ready|available) (?:on|at)\s+https?://` + hostPattern + `:(\d{1,5})\b`),
}

// maxCarry bounds the unterminated line kept between chunks.
const maxCarry = 1024

type instanceState struct {
	detected map[int]bool
	carry    string
}

// Detector finds newly announced ports in terminal output, per instance.
// Output is split into lines before matching. The unterminated tail of the
// latest chunk is matched as well and carried over, so announcements without
// a trailing newline and ones broken across chunks are both found.
type Detector struct {
	mu        sync.Mutex
	instances map[string]*instanceState
}

func NewDetector() *Detector {
	return &Detector{instances: make(map[string]*instanceState)}
}

// Detect feeds a chunk of output for instanceID and returns candidate ports
// seen for the first time, in ascending order.
func (d *Detector) Detect(instanceID, chunk string) []int {
	d.mu.Lock()
	defer d.mu.Unlock()

	st, ok := d.instances[instanceID]
	if !ok {
		st = &instanceState{detected: make(map[int]bool)}
		d.instances[instanceID] = st
	}

	text := st.carry + chunk
	var lines []string
	if end := strings.LastIndexAny(text, "\r\n"); end >= 0 {
		lines = strings.FieldsFunc(text[:end], func(r rune) bool { return r == '\n' || r == '\r' })
		text = text[end+1:]
	}
	st.carry = trimCarry(text)
	// The unterminated tail is matched too: a server may print its
	// announcement without a newline and then go quiet. It is kept as carry
	// so an announcement completed by a later chunk is still found.
	if st.carry != "" {
		lines = append(lines, st.carry)
	}

	var found []int
	for _, line := range lines {
		for _, p := range matchPorts(ansi.Strip(line)) {
			if !IsCandidatePort(p) || st.detected[p] {
				continue
			}
			st.detected[p] = true
			found = append(found, p)
		}
	}
	sort.Ints(found)
	return found
}

// Reset forgets everything detected for instanceID.
func (d *Detector) Reset(instanceID string) {
	d.mu.Lock()
	delete(d.instances, instanceID)
	d.mu.Unlock()
}

// Detected returns the ports already reported for instanceID.
func (d *Detector) Detected(instanceID string) []int {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.instances[instanceID]
	if !ok {
		return nil
	}
	out := make([]int, 0, len(st.detected))
	for p := range st.detected {
		out = append(out, p)
	}
	sort.Ints(out)
	return out
}

func trimCarry(s string) string {
	if len(s) > maxCarry {
		return s[len(s)-maxCarry:]
	}
	return s
}

func matchPorts(line string) []int {
	var ports []int
	for _, re := range announcements {
		for _, m := range re.FindAllStringSubmatch(line, -1) {
			p, err := strconv.Atoi(m[1])
			if err != nil {
				continue
			}
			ports = append(ports, p)
		}
	}
	return ports
}
