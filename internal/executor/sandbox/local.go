package sandbox

// LocalConfig holds settings for the Linux process backend, which isolates
// submissions with namespaces, cgroup v2 and rlimits instead of containers.
type LocalConfig struct {
	// WorkRoot is the host directory under which per-environment scratch
	// directories are created.
	WorkRoot string `yaml:"workRoot"`
	// HelperPath locates the sandbox-init binary launched for every
	// invocation.
	HelperPath string `yaml:"helperPath"`
	// RootFS, when set, is chrooted into with the scratch directory bind
	// mounted at /box. Requires namespaces.
	RootFS string `yaml:"rootfs"`
	// CgroupRoot is the cgroup v2 subtree delegated to the executor.
	CgroupRoot string `yaml:"cgroupRoot"`
	// SeccompProfile is a JSON syscall policy applied by the helper.
	SeccompProfile string `yaml:"seccompProfile"`

	EnableCgroup     bool `yaml:"enableCgroup"`
	EnableNamespaces bool `yaml:"enableNamespaces"`
	EnableSeccomp    bool `yaml:"enableSeccomp"`
}

// localScratchMount is where the scratch directory appears inside a chroot.
const localScratchMount = "/box"

// initRequest is the wire format handed to the sandbox-init helper on stdin.
// Field names are mirrored by the helper's decoder.
type initRequest struct {
	WorkDir    string
	Argv       []string
	Env        []string
	StdinPath  string
	StdoutPath string
	StderrPath string

	RootFS      string
	ScratchDir  string
	ScratchBind string

	Limits initLimits

	SeccompProfile string
	EnableSeccomp  bool
	EnableNs       bool
}

type initLimits struct {
	CPUTimeMs int64
	StackMB   int64
	OutputMB  int64
	PIDs      int64
}
