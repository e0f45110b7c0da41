/*
Declarative HTTP client layer: describe an endpoint as a value, then perform it with uniform authentication, retry and error handling.

An [Endpoint] is an immutable-by-convention description of a single HTTP request: base URL and route, method, content and accept media types, required authorization scheme, ordered query parameters, an encoded body, and the status codes which count as success. Endpoints are built once (often by small named constructor functions) and passed to a [Factory].

The [Factory] turns endpoints in to request objects, which all share one transport engine (a retryablehttp client, see the robusthttp package), one optional [TokenProvider], and one [NetworkErrorFactory]. There are three kinds of request object:

- [Request] delivers the raw [NetworkResponse] to a completion handler, or returns it from [Request.Do].
- [DecodedRequest] decodes the JSON body in to a caller-chosen type.
- [BoundRequest] writes the decoded value (or the error) in to fields of a weakly-held root object, such as a view model.

Every failure is delivered as a [*NetworkError], which carries a user-facing title and message, and an [ErrorStyle] hint for presentation. Statuses outside of the endpoint's success codes are converted by the [NetworkErrorFactory]; transport failures become [ErrNetwork] or [ErrUnknown] kinds, which can be checked with [errors.Is].

## Authentication and retries

Each request object owns an [Interceptor]. Before every attempt it sets headers, body and the Authorization header (from the current access token). When an attempt fails with HTTP 401 and a [TokenProvider] is registered, the interceptor asks the provider to refresh and the attempt is repeated after a fixed delay, up to [DefaultRetryLimit] times. Without a provider, a 401 is terminal. No other failure is retried.

The interceptor travels in the request context, so that a single engine (with its connection pool and hooks) serves every request from a factory.

Push-style credential sources can be adapted with [FromPublisher].
*/
package netkit
