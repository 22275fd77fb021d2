package proc_test

import (
	"testing"

	"github.com/go-delve/rd/pkg/arch"
	"github.com/go-delve/rd/pkg/proc"
	protest "github.com/go-delve/rd/pkg/proc/test"
)

func TestDestabilize(t *testing.T) {
	s := protest.NewSession()
	leader := attach(t, s)
	tg := leader.ThreadGroup()
	var tasks []*proc.Task
	tasks = append(tasks, leader)
	for i := 0; i < 2; i++ {
		th, err := s.Attach(tg, leader.VM())
		if err != nil {
			t.Fatal(err)
		}
		tasks = append(tasks, th)
	}

	other := attach(t, s)

	tg.Destabilize()
	for _, task := range tasks {
		if !task.Unstable() {
			t.Fatalf("%v is not unstable", task)
		}
	}
	if other.Unstable() {
		t.Fatal("task of another group destabilized")
	}

	tg.Destabilize()
	if !tg.Destabilized() {
		t.Fatal("second Destabilize undid the first")
	}
	for _, task := range tasks {
		if !task.Unstable() {
			t.Fatalf("%v is not unstable after second Destabilize", task)
		}
	}

	late, err := s.Attach(tg, leader.VM())
	if err != nil {
		t.Fatal(err)
	}
	if !late.Unstable() {
		t.Fatal("task joining a destabilized group is stable")
	}
}

func TestThreadGroupAncestry(t *testing.T) {
	s := protest.NewSession()
	root := proc.NewThreadGroup(s, nil, 1, 1, 1)
	mid := proc.NewThreadGroup(s, root, 2, 2, 2)
	leafA := proc.NewThreadGroup(s, mid, 3, 3, 3)
	leafB := proc.NewThreadGroup(s, mid, 4, 4, 4)

	if mid.Parent() != root || leafA.Parent() != mid {
		t.Fatal("wrong parents")
	}
	children := mid.Children()
	if len(children) != 2 || children[0] != leafA || children[1] != leafB {
		t.Fatalf("children of mid: %v", children)
	}
	if len(root.Children()) != 1 {
		t.Fatalf("root has %d children", len(root.Children()))
	}
	if leafA.UID() == leafB.UID() || leafA.Serial() == leafB.Serial() {
		t.Fatal("thread groups share a uid")
	}

	// Populate mid with a task then kill it: mid goes away, its children
	// are orphaned and root forgets it.
	tid := s.K.AddTask(0)
	task, err := proc.NewTask(s, tid, tid, arch.X64, mid, proc.NewAddressSpace("", s.NextTaskSerial()))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := task.Wait(); err != nil {
		t.Fatal(err)
	}
	if err := task.Destroy(); err != nil {
		t.Fatal(err)
	}
	if !mid.Destroyed() {
		t.Fatal("empty group not destroyed")
	}
	if leafA.Parent() != nil || leafB.Parent() != nil {
		t.Fatal("children of a destroyed group still point at it")
	}
	if len(root.Children()) != 0 {
		t.Fatalf("root still has %d children", len(root.Children()))
	}
	if len(s.DestroyedGroups) != 1 || s.DestroyedGroups[0] != mid {
		t.Fatalf("destroyed groups: %v", s.DestroyedGroups)
	}
}
