/*
Package ports allocates loopback TCP ports for child processes.

The allocator tracks reservations per instance key inside a bounded
range. Registry bookkeeping alone is not trusted: every candidate port
is confirmed with a real bind on 127.0.0.1 before it is handed out,
because other processes on the host allocate from the same namespace.
The mutex is not held across the bind probe; the candidate is reserved
first so concurrent callers can never converge on the same port.
*/
package ports
