package ir

// KernelVersion is the fmsync kernel version reported by "fmsync --version".
const KernelVersion = "0.1.0"
