/*
Package sgx_ra implements both ends of the SGX EPID remote attestation
handshake, as in the Intel end-to-end remote attestation sample:

https://software.intel.com/en-us/articles/code-sample-intel-software-guard-extensions-remote-attestation-end-to-end-example

The service provider side is driven through the SessionManager. It
owns the configuration, the attestation authority (IAS, or a simulated
one) and a bounded store of Sessions, and creates a ResponderConn for
every connection. Each Session logically represents one key exchange
context of one enclave. After the quote was verified and accepted by
the policy, the enclave on the other side is guaranteed to be a
trusted SGX enclave, and Session can encrypt application data for it
under the negotiated session key.

The enclave host side is the Initiator, which talks to an
enclave.Enclave. Both sides are Handlers, and Serve runs either over a
framing.Conn. Server accepts framed TCP (optionally TLS) connections;
the transport/grpcstream package carries the same frames over gRPC.

You can configure the service provider using a pretty straightforward
JSON or TOML configuration file, see Configuration.
*/
package sgx_ra
