package progproto

// Default baud rate for the debug bridge CDC port
const DefaultBaudRate = 115200
