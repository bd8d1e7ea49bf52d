package conformance

// Error names declared by org.varlink.conformance.
const (
	ErrorFailure      = "org.varlink.conformance.Failure"
	ErrorExpectedMore = "org.varlink.conformance.ExpectedMore"
)

// Sequence refuses counts beyond this bound so a single call cannot pin
// the server's write buffer.
const maxSequenceCount = 1 << 16

// InterfaceDescription declares org.varlink.conformance in varlink IDL
// form. RegisterMethods binds a handler for every method listed here.
const InterfaceDescription = `# Exercises every part of the varlink protocol: scalar and aggregate
# round-trips, typed structures, streamed replies, oneway calls, peer
# credentials and declared errors.
interface org.varlink.conformance

# Kind classifies a record.
type Kind (scalar, vector, matrix)

# Record covers every IDL type constructor in one aggregate.
type Record (
  name: string,
  kind: Kind,
  count: int,
  weight: float,
  exact: bool,
  tags: []string,
  attributes: [string]string,
  comment: ?string
)

method EchoBool(value: bool) -> (value: bool)

method EchoInt(value: int) -> (value: int)

method EchoFloat(value: float) -> (value: float)

method EchoString(value: string) -> (value: string)

method EchoArray(values: []int) -> (values: []int)

# EchoObject returns any JSON object unchanged, field order preserved.
method EchoObject(value: object) -> (value: object)

# Mirror round-trips a typed record.
method Mirror(record: Record) -> (record: Record)

# Sum adds the terms. An empty list sums to zero.
method Sum(terms: []int) -> (sum: int)

# Sequence streams indexes 0 through count-1, every reply but the last
# marked as continuing. Rejects calls made without the more flag.
method Sequence(count: int) -> (index: int, done: bool)

# Notify records a fire-and-forget message. Intended for oneway calls.
method Notify(message: string) -> ()

# Notifications returns every recorded message, oldest first.
method Notifications() -> (messages: []string)

# Peer reports the credentials of the calling client. Only meaningful
# over UNIX sockets.
method Peer() -> (pid: int, uid: int, gid: int)

# Fail always replies with the Failure error.
method Fail(code: int, message: string) -> ()

# Hangup closes the connection without replying.
method Hangup() -> ()

# Failure carries a caller-chosen code and message back as an error.
error Failure(code: int, message: string)

# ExpectedMore rejects a Sequence call made without the more flag.
error ExpectedMore()
`
