package population

import "testing"

func TestPartitionIsContiguousExhaustiveAndBalanced(t *testing.T) {
	for taskCount := 0; taskCount <= 40; taskCount++ {
		for workerCount := 1; workerCount <= 9; workerCount++ {
			next := 0
			minSize, maxSize := taskCount+1, -1
			for w := 0; w < workerCount; w++ {
				start, end := Partition(taskCount, w, workerCount)
				if start != next {
					t.Fatalf("tasks=%d workers=%d: worker %d starts at %d, want %d", taskCount, workerCount, w, start, next)
				}
				if end < start {
					t.Fatalf("tasks=%d workers=%d: worker %d has negative range", taskCount, workerCount, w)
				}
				size := end - start
				minSize = min(minSize, size)
				maxSize = max(maxSize, size)
				next = end
			}
			if next != taskCount {
				t.Fatalf("tasks=%d workers=%d: partitions cover %d", taskCount, workerCount, next)
			}
			if maxSize-minSize > 1 {
				t.Fatalf("tasks=%d workers=%d: sizes differ by %d", taskCount, workerCount, maxSize-minSize)
			}
		}
	}
}

func TestPartitionGivesRemainderToFirstWorkers(t *testing.T) {
	// 11 = 3*3 + 2: workers 0 and 1 get 4, worker 2 gets 3.
	want := [][2]int{{0, 4}, {4, 8}, {8, 11}}
	for w, r := range want {
		start, end := Partition(11, w, 3)
		if start != r[0] || end != r[1] {
			t.Fatalf("worker %d: got [%d,%d) want [%d,%d)", w, start, end, r[0], r[1])
		}
	}
}

func TestPartitionPanicsOnInvalidWorker(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	Partition(3, 3, 3)
}
