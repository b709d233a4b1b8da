package udp

// sizeHeader is the fixed size in bytes of a UDP header.
const sizeHeader = 8
