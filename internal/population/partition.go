package population

import "fmt"

// Partition returns the half-open range [start, end) of a task list of
// length taskCount owned by workerID. With taskCount = q*workerCount + r the
// first r workers own q+1 tasks and the rest own q. Ranges are contiguous,
// disjoint and cover the whole list.
func Partition(taskCount, workerID, workerCount int) (start, end int) {
	if workerCount <= 0 || workerID < 0 || workerID >= workerCount || taskCount < 0 {
		panic(fmt.Sprintf("population: invalid partition tasks=%d worker=%d/%d", taskCount, workerID, workerCount))
	}
	q, r := taskCount/workerCount, taskCount%workerCount
	if workerID < r {
		start = workerID * (q + 1)
		return start, start + q + 1
	}
	start = r*(q+1) + (workerID-r)*q
	return start, start + q
}
