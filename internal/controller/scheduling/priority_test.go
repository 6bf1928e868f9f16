package scheduling

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/armadaproject/corral/internal/controller/jobdb"
	"github.com/armadaproject/corral/internal/controller/nodedb"
	"github.com/armadaproject/corral/pkg/api"
)

func TestPriorityCalculator(t *testing.T) {
	calc := PriorityCalculator{Base: 1000, WeightAge: 2, WeightPartition: 10, MaxAge: time.Hour}
	partition := &nodedb.Partition{Name: "debug", Priority: 3}
	tests := map[string]struct {
		nice     int32
		current  uint32
		age      time.Duration
		expected uint32
	}{
		"base plus partition": {
			expected: 1030,
		},
		"nice lowers priority": {
			nice:     100,
			expected: 930,
		},
		"age accrues per whole minute": {
			age:      10*time.Minute + 59*time.Second,
			expected: 1050,
		},
		"age is capped": {
			age:      5 * time.Hour,
			expected: 1030 + 120,
		},
		"never below current": {
			current:  5000,
			age:      time.Minute,
			expected: 5000,
		},
		"never below one": {
			nice:     100000,
			expected: 1,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			job := jobdb.NewJob(api.JobDescriptor{Nice: tc.nice}, tc.current, testTime)
			assert.Equal(t, tc.expected, calc.Priority(job, partition, testTime.Add(tc.age)))
		})
	}
}

func TestPriorityCalculator_Monotone(t *testing.T) {
	calc := PriorityCalculator{Base: 100, WeightAge: 1, MaxAge: 24 * time.Hour}
	job := jobdb.NewJob(api.JobDescriptor{}, calc.Initial(nil, 0), testTime)
	last := job.Priority()
	for minutes := 0; minutes < 120; minutes += 7 {
		priority := calc.Priority(job, nil, testTime.Add(time.Duration(minutes)*time.Minute))
		assert.GreaterOrEqual(t, priority, last)
		job = job.WithPriority(priority)
		last = priority
	}
	assert.Equal(t, uint32(100+119), last)
}
