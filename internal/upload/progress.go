package upload

import "sync"

// percent converts byte counts to monotone integer percentages. 100 is
// held back until the sink confirms the upload.
type percent struct {
	mu   sync.Mutex
	last int
	fn   func(int)
}

func newPercent(fn func(int)) *percent {
	return &percent{last: -1, fn: fn}
}

func (p *percent) bytes(sent, total int64) {
	if total <= 0 {
		return
	}
	pct := int(sent * 100 / total)
	p.report(min(pct, 99))
}

func (p *percent) done() {
	p.report(100)
}

func (p *percent) report(pct int) {
	if p.fn == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if pct <= p.last {
		return
	}
	p.last = pct
	p.fn(pct)
}
