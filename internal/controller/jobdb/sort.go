package jobdb

import "golang.org/x/exp/slices"

func sortById(jobs []*Job) {
	slices.SortFunc(jobs, func(a, b *Job) int {
		switch {
		case a.id < b.id:
			return -1
		case a.id > b.id:
			return 1
		}
		return 0
	})
}
