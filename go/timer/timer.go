// timer makes timing operations easier.
package timer

import (
	"time"

	"github.com/cascade-eng/cascade/go/cclog"
)

// Timer is for timing events. When finished the duration is reported
// via cclog.
//
// The standard way to use Timer is at the top of the func you
// want to measure:
//
//	defer timer.New("database sync time").Stop()
type Timer struct {
	Begin time.Time
	Name  string
}

func New(name string) *Timer {
	return &Timer{
		Begin: time.Now(),
		Name:  name,
	}
}

func (t Timer) Stop() {
	cclog.Infof("%s %v", t.Name, time.Since(t.Begin))
}
