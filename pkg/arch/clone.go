package arch

import sys "golang.org/x/sys/unix"

// CloneTLSType describes what the tls argument of clone points to.
type CloneTLSType uint8

const (
	// UserDescPointer: the tls argument points to a struct user_desc (x86).
	UserDescPointer CloneTLSType = iota
	// PthreadStructurePointer: the tls argument is the new fs base (x86_64).
	PthreadStructurePointer
)

// CloneTLS returns how a passes the tls argument to clone.
func CloneTLS(a SupportedArch) CloneTLSType {
	if a == X86 {
		return UserDescPointer
	}
	return PthreadStructurePointer
}

// CloneArgs maps each clone parameter to the 1-based syscall argument
// carrying it. The kernel orders ctid and tls differently on x86 and x86_64.
type CloneArgs struct {
	Flags, Stack, Ptid, Ctid, TLS int
}

// CloneArgOrder returns the clone parameter order for a.
func CloneArgOrder(a SupportedArch) CloneArgs {
	if a == X86 {
		return CloneArgs{Flags: 1, Stack: 2, Ptid: 3, TLS: 4, Ctid: 5}
	}
	return CloneArgs{Flags: 1, Stack: 2, Ptid: 3, Ctid: 4, TLS: 5}
}

// DisallowedCloneFlags are removed from the live clone argument during
// replay. CLONE_UNTRACED would let the child escape, CLONE_CHILD_CLEARTID
// is emulated by the replayer, CLONE_VFORK would block the parent in the
// kernel and the namespace flags already had their effect during recording.
const DisallowedCloneFlags = sys.CLONE_UNTRACED |
	sys.CLONE_CHILD_CLEARTID |
	sys.CLONE_VFORK |
	sys.CLONE_NEWIPC |
	sys.CLONE_NEWNET |
	sys.CLONE_NEWNS |
	sys.CLONE_NEWPID |
	sys.CLONE_NEWUSER |
	sys.CLONE_NEWUTS |
	sys.CLONE_NEWCGROUP
